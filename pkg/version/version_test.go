package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}
	s := v.String()
	if !strings.HasPrefix(s, "Version: 1.2.3-rc1\nBuild: abc\nAddress size: ") {
		t.Fatalf("unexpected version string %q", s)
	}
	if n := (Version{Major: "0", Minor: "3", Patch: "0"}).Number(); n != "0.3.0" {
		t.Fatalf("unexpected number %q", n)
	}
}

func TestBuildInfo(t *testing.T) {
	if bi := BuildInfo(); !strings.HasPrefix(bi, "go") {
		t.Fatalf("build info should start with the go version: %q", bi)
	}
}
