package task

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
)

// ContentsKind discriminates where an Input's bytes come from: a URL, an
// inline literal, or a host path.
// original_source/crankshaft-engine/src/task/input.rs's fetch() match
// confirms these three arms (Url, Literal, Path) even though the
// standalone contents.rs snapshot in the pack only shows two — see
// DESIGN.md.
type ContentsKind int

const (
	ContentsURL ContentsKind = iota
	ContentsLiteral
	ContentsPath
)

// Contents is the lazily-fetched byte source for an Input. Only one of
// URL/Literal/Path is populated, selected by Kind. Fetch must not be
// called more than once per Input if the caller cares about buffering
// large content twice (the invariant in spec.md §3).
type Contents struct {
	Kind    ContentsKind
	URL     string
	Literal []byte
	Path    string
}

// Fetch resolves the contents to a reader. The caller is responsible for
// closing the returned ReadCloser.
func (c Contents) Fetch() (io.ReadCloser, error) {
	switch c.Kind {
	case ContentsLiteral:
		return io.NopCloser(bytes.NewReader(c.Literal)), nil
	case ContentsPath:
		f, err := os.Open(c.Path)
		if err != nil {
			return nil, fmt.Errorf("contents: open %s: %w", c.Path, err)
		}
		return f, nil
	case ContentsURL:
		u, err := url.Parse(c.URL)
		if err != nil {
			return nil, fmt.Errorf("contents: parse url %s: %w", c.URL, err)
		}
		switch u.Scheme {
		case "file", "":
			f, err := os.Open(u.Path)
			if err != nil {
				return nil, fmt.Errorf("contents: open %s: %w", u.Path, err)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("contents: unsupported url scheme %q", u.Scheme)
		}
	default:
		return nil, fmt.Errorf("contents: unknown kind %d", c.Kind)
	}
}

// PathKind discriminates a File from a Directory payload for Input/Output.
type PathKind int

const (
	File PathKind = iota
	Directory
)

// Input is bytes to place at a guest path before the first execution.
type Input struct {
	Contents Contents
	Path     string
	Kind     PathKind
	ReadOnly bool
}

// NewInput builds an Input; ReadOnly defaults to true per spec.md §3.
func NewInput(contents Contents, guestPath string, kind PathKind) Input {
	return Input{Contents: contents, Path: guestPath, Kind: kind, ReadOnly: true}
}

// Output is bytes to copy from a guest path after the last execution.
type Output struct {
	URL  string
	Path string
	Kind PathKind
}
