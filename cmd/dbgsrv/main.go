package main

import (
	"os"

	"github.com/hexrpc/dbgsrv/cmd/dbgsrv/cmds"
	"github.com/hexrpc/dbgsrv/pkg/version"

	_ "github.com/hexrpc/dbgsrv/pkg/debmod/native"
	_ "github.com/hexrpc/dbgsrv/pkg/debmod/sim"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.ServerVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
