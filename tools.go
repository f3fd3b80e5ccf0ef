//go:build tools
// +build tools

package tools

// Build-time tooling, pinned in go.mod.
import (
	_ "golang.org/x/lint/golint"
	_ "golang.org/x/tools/cmd/stringer"
)
