// Package version reports the cmsfleet build version.
package version

import (
	"runtime/debug"
	"strings"
)

// Populated at build time, for example:
//
//	-X github.com/tis24dev/cmsfleet/internal/version.Version=v1.0.0
//	-X github.com/tis24dev/cmsfleet/internal/version.Commit=abcdef1
//	-X github.com/tis24dev/cmsfleet/internal/version.Date=2024-05-01T12:00:00Z
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

const placeholder = "0.0.0-dev"

var readBuildInfo = debug.ReadBuildInfo

// String returns the injected version, else the main module version from
// the build info, else a development placeholder. A leading "v" is
// dropped.
func String() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		if info, ok := readBuildInfo(); ok && info != nil {
			if mv := strings.TrimSpace(info.Main.Version); mv != "(devel)" {
				v = mv
			}
		}
	}
	if v == "" {
		v = placeholder
	}
	return strings.TrimPrefix(v, "v")
}

// Full adds the commit and build date when they are known.
func Full() string {
	var extra []string
	if c := strings.TrimSpace(Commit); c != "" {
		if len(c) > 7 {
			c = c[:7]
		}
		extra = append(extra, "commit "+c)
	}
	if d := strings.TrimSpace(Date); d != "" {
		extra = append(extra, "built "+d)
	}
	if len(extra) == 0 {
		return String()
	}
	return String() + " (" + strings.Join(extra, ", ") + ")"
}
