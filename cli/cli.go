// Package cli wires the command line for the tubular binary: the
// controller and node servers, plus version.
package cli

import (
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	ctrlcmd "github.com/alagyn/tubular/cli/controller"
	nodecmd "github.com/alagyn/tubular/cli/node"
	"github.com/alagyn/tubular/version"
)

// Command parses the command line arguments and then executes a
// subcommand program.
func Command() {
	app := kingpin.New("tubular", "Distributed CI/CD pipeline orchestrator")
	app.HelpFlag.Short('h')
	app.Version(version.Version)
	app.VersionFlag.Short('v')
	ctrlcmd.Register(app)
	nodecmd.Register(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
