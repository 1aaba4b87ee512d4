package config

import "gopkg.in/yaml.v3"

// ExampleDocument returns a well-formed Config covering all three backend
// kinds, for documentation — the on-disk document shape this module
// renders its own configuration in.
func ExampleDocument() Config {
	return Config{
		Log: LogConfig{Level: "info", JSON: false},
		Backends: []BackendConfig{
			{
				Name:     "local-docker",
				Kind:     KindDocker,
				MaxTasks: 4,
				Docker:   &DockerConfig{Cleanup: true},
			},
			{
				Name:     "hpc-cluster",
				Kind:     KindGeneric,
				MaxTasks: 8,
				Generic: &GenericConfig{
					Submit:     "sbatch --parsable --wrap \"~{command}\"",
					Monitor:    "squeue -h -j ~{job_id} -o %T",
					Kill:       "scancel ~{job_id}",
					JobIDRegex: `(\d+)`,
					Driver:     "ssh",
					SSH:        &SSHConfig{Host: "login.example.org", Username: "crankshaft", Port: 22},
				},
			},
			{
				Name:     "cloud-tes",
				Kind:     KindTES,
				MaxTasks: 10,
				TES:      &TESConfig{URL: "https://tes.example.org", Retries: 3},
			},
		},
	}
}

// MarshalYAML renders cfg as the Crankshaft.yaml document shape.
func MarshalYAML(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
