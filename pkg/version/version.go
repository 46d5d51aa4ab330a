package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/hexrpc/dbgsrv/pkg/wire"
)

// Version describes a dbgsrv release.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// ServerVersion is the version of this server.
var ServerVersion = Version{
	Major: "0", Minor: "3", Patch: "0",
	Build: "$Id$",
}

// Number returns the dotted release number, with metadata if any.
func (v Version) Number() string {
	n := v.Major + "." + v.Minor + "." + v.Patch
	if v.Metadata != "" {
		n += "-" + v.Metadata
	}
	return n
}

func (v Version) String() string {
	resolveBuild(&v)
	return fmt.Sprintf("Version: %s\nBuild: %s\nAddress size: %d bits", v.Number(), v.Build, wire.AddrSize*8)
}

// BuildInfo returns the toolchain version followed by the main module and
// the dependencies the binary was built with, one per line.
func BuildInfo() string {
	var b strings.Builder
	b.WriteString(runtime.Version())
	b.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}
	fmt.Fprintf(&b, "  main %s %s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		mod := dep
		if dep.Replace != nil {
			mod = dep.Replace
		}
		fmt.Fprintf(&b, "  dep  %s %s", dep.Path, mod.Version)
		if mod != dep {
			fmt.Fprintf(&b, " (replaced by %s)", mod.Path)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// resolveBuild fills in v.Build from the VCS stamp of the binary when it
// still holds the unexpanded ident keyword.
func resolveBuild(v *Version) {
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var rev string
	dirty := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if rev == "" {
		return
	}
	if dirty {
		rev += "-dirty"
	}
	v.Build = rev
}
