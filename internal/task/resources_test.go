package task

import "testing"

func TestResourcesApplyOverridesOnlyPresentFields(t *testing.T) {
	base := Resources{CPU: IntPtr(2), RAM: Float64Ptr(4), Zones: []string{"us-east"}}

	merged := base.Apply(Resources{RAM: Float64Ptr(8)})

	if got := *merged.CPU; got != 2 {
		t.Errorf("CPU: expected base value preserved, got %d", got)
	}
	if got := *merged.RAM; got != 8 {
		t.Errorf("RAM: expected override, got %v", got)
	}
}

func TestResourcesApplyReplacesZonesEvenWhenEmpty(t *testing.T) {
	base := Resources{Zones: []string{"us-east", "us-west"}}

	merged := base.Apply(Resources{Zones: []string{}})

	if len(merged.Zones) != 0 {
		t.Errorf("expected zones wholesale-replaced with empty list, got %v", merged.Zones)
	}
}

func TestResourcesApplyIdempotentInOther(t *testing.T) {
	base := Resources{CPU: IntPtr(2)}
	other := Resources{CPU: IntPtr(4), RAM: Float64Ptr(8)}

	once := base.Apply(other)
	twice := once.Apply(other)

	if *once.CPU != *twice.CPU || *once.RAM != *twice.RAM {
		t.Errorf("Apply(other) is not idempotent: once=%+v twice=%+v", once, twice)
	}
}

func TestResourcesToSubstitutionsComputesMB(t *testing.T) {
	r := Resources{RAM: Float64Ptr(2), Disk: Float64Ptr(1.5)}

	m := r.ToSubstitutions()

	if m["ram_mb"] != "2048" {
		t.Errorf("ram_mb: expected 2048, got %q", m["ram_mb"])
	}
	if m["disk_mb"] != "1536" {
		t.Errorf("disk_mb: expected 1536, got %q", m["disk_mb"])
	}
	if _, ok := m["zones"]; ok {
		t.Errorf("zones must never appear in substitutions")
	}
}
