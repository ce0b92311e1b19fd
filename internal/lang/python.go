package lang

import (
	"strings"

	"github.com/p-arndt/kapsel/internal/archive"
)

// pythonRunner executes snippets with uv. Dependencies are declared inline
// in the script header, so no separate install step is needed:
// https://docs.astral.sh/uv/guides/scripts/#declaring-script-dependencies
type pythonRunner struct{}

func (pythonRunner) Language() string { return "python" }

func (pythonRunner) Image() string {
	return "ghcr.io/astral-sh/uv:python3.12-bookworm-slim"
}

func (pythonRunner) Entries(code string, dependencies []string) []archive.Entry {
	return []archive.Entry{
		{Path: "main.py", Mode: 0o644, Data: []byte(renderScript(code, dependencies))},
	}
}

func (pythonRunner) Commands() []string {
	return []string{"uv run main.py"}
}

func renderScript(code string, dependencies []string) string {
	if len(dependencies) == 0 {
		return code
	}

	var sb strings.Builder
	sb.WriteString("# /// script\n")
	sb.WriteString("# dependencies = [\n")
	for _, dep := range dependencies {
		sb.WriteString("#   \"")
		sb.WriteString(dep)
		sb.WriteString("\",\n")
	}
	sb.WriteString("# ]\n")
	sb.WriteString("# ///\n\n")
	sb.WriteString(code)
	return sb.String()
}
