// Package lang maps a requested source language to a base image, a code
// materialization strategy and the commands that run it. Dispatch is a
// closed set: adding a language means adding a Runner here, nothing else.
package lang

import (
	"errors"
	"fmt"

	"github.com/p-arndt/kapsel/internal/archive"
)

// ErrUnsupported indicates a language identifier with no registered runner.
var ErrUnsupported = errors.New("unsupported language")

// Runner prepares a code snippet for sandboxed execution.
type Runner interface {
	// Language is the identifier this runner serves.
	Language() string
	// Image is the base image code for this language runs in.
	Image() string
	// Entries materializes the source (and any dependency declarations)
	// as archive entries to be copied into the container.
	Entries(code string, dependencies []string) []archive.Entry
	// Commands is the ordered setup+run command list.
	Commands() []string
}

// ForLanguage resolves a language identifier to its runner.
func ForLanguage(name string) (Runner, error) {
	switch name {
	case "python":
		return pythonRunner{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
}

// Supported lists the recognized language identifiers.
func Supported() []string {
	return []string{"python"}
}
