package appbase

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	_ "github.com/warptools/sciflo/app/base/helpgen"
	"github.com/warptools/sciflo/pkg/config"
	"github.com/warptools/sciflo/sfapi"
)

const VERSION = "v0.3.0"

var App = &cli.App{
	Name:    "sciflo",
	Version: VERSION,
	Usage:   "resolve and run scientific workflow documents",

	// cmd/sciflo wires these to the process's stdio; tests wire buffers.
	Reader:    closedReader{},
	Writer:    panicWriter{},
	ErrWriter: panicWriter{},

	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Usage:   "Log every unit transition and echo unit output",
			Aliases: []string{"v"},
			EnvVars: []string{config.EnvScifloDebug},
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Only print results and errors",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Emit results and errors as JSON",
		},
		&cli.StringFlag{
			Name:      "trace.file",
			Usage:     "Enable tracing and emit output to file",
			TakesFile: true,
		},
		&cli.BoolFlag{
			Name:  "trace.http.enable",
			Usage: "Enable remote tracing over http",
		},
		&cli.BoolFlag{
			Name:  "trace.http.insecure",
			Usage: "Allows insecure http",
		},
		&cli.StringFlag{
			Name:  "trace.http.endpoint",
			Usage: "Sets an endpoint for remote open-telemetry tracing collection",
		},
	},

	// Each command package appends itself here from init; importing app registers them all.
	Commands: []*cli.Command{},

	ExitErrHandler: reportError,
}

// reportError prints a command's error to stderr: as an error record with --json,
// else as one line.
func reportError(c *cli.Context, err error) {
	if err == nil {
		return
	}
	if !c.Bool("json") {
		fmt.Fprintf(c.App.ErrWriter, "error: %s\n", err)
		return
	}
	data, merr := json.Marshal(sfapi.RecordFromError(err))
	if merr != nil {
		fmt.Fprintf(c.App.ErrWriter, "error: %s\n", err)
		return
	}
	fmt.Fprintf(c.App.ErrWriter, "%s\n", data)
}

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:               "version", // No short alias; "-v" is verbose.
		Usage:              "print the version",
		DisableDefaultText: true,
	}
}

type closedReader struct{}

// Read always returns EOF.
func (c closedReader) Read(p []byte) (int, error) {
	return 0, io.EOF
}

type panicWriter struct{}

// Write always panics. Replace panicWriter values before use.
func (p panicWriter) Write(data []byte) (int, error) {
	panic("replace the Writer and ErrWriter on the App value in packages that use it!")
}
