package keel

import (
	"runtime/debug"
	"strings"
)

const defaultModulePath = "github.com/quorumgrid/keel"

// buildVersion is set via -ldflags "-X github.com/quorumgrid/keel.buildVersion=...".
var buildVersion = ""

// Version returns the best available version string for the module.
func Version() string {
	if strings.TrimSpace(buildVersion) != "" {
		return buildVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// ModulePath returns the module path from build info when available.
func ModulePath() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModulePath
}
