package util

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/serum-errors/go-serum"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/warptools/sciflo/pkg/config"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/sfapi"
)

// ExecConfig loads the executor configuration for a command:
// the process environment snapshot, then the user configuration file.
// The global --verbose flag turns on verbose units too.
//
// Errors:
//
//    - sciflo-error-config -- when the configuration cannot be loaded
//    - sciflo-error-io -- when a configuration file exists but cannot be read
func ExecConfig(c *cli.Context) (executor.Config, error) {
	cfg, err := config.ExecConfig(c.Context, config.NewState())
	if err != nil {
		return cfg, err
	}
	cfg.Verbose = cfg.Verbose || c.Bool("verbose")
	return cfg, nil
}

// ReadInput reads a file named on the command line; "-" reads the app's stdin.
//
// Errors:
//
//    - sciflo-error-io -- when the file cannot be read
func ReadInput(c *cli.Context, name string) ([]byte, error) {
	if name == "-" {
		data, err := io.ReadAll(c.App.Reader)
		if err != nil {
			return nil, sfapi.ErrorIo("reading stdin", name, err)
		}
		return data, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, sfapi.ErrorIo("reading file", name, err)
	}
	return data, nil
}

// ReadDocument reads and parses the workflow document named by the first positional argument.
//
// Errors:
//
//    - sciflo-error-invalid-argument -- when no document was named
//    - sciflo-error-io -- when the document cannot be read
//    - sciflo-error-schema-invalid -- when it is not a sciflo document
func ReadDocument(c *cli.Context) (*sfapi.Document, error) {
	if !c.Args().Present() {
		return nil, serum.Errorf(sfapi.ECodeInvalidArgument, "%s needs a workflow document (or - for stdin)", c.Command.Name)
	}
	data, err := ReadInput(c, c.Args().First())
	if err != nil {
		return nil, err
	}
	return sfapi.ParseDocument(data)
}

// ReadArgs builds the workflow arguments from the --args file and any --arg tag=value flags.
// The file holds json or yaml: a list for positional arguments, or a mapping by input tag.
// --arg values are strings and need a mapping, so they cannot be mixed with a list file.
//
// Errors:
//
//    - sciflo-error-io -- when the args file cannot be read
//    - sciflo-error-invalid-argument -- when the args are malformed
func ReadArgs(c *cli.Context) (interface{}, error) {
	var args interface{}
	if name := c.String("args"); name != "" {
		data, err := ReadInput(c, name)
		if err != nil {
			return nil, err
		}
		// yaml is a superset of json, so one decoder serves both
		if err := yaml.Unmarshal(data, &args); err != nil {
			return nil, sfapi.ErrorInvalidArgument("args", err.Error())
		}
	}
	pairs := c.StringSlice("arg")
	if len(pairs) == 0 {
		return args, nil
	}
	named, ok := args.(map[string]interface{})
	switch {
	case args == nil:
		named = map[string]interface{}{}
	case !ok:
		return nil, sfapi.ErrorInvalidArgument("arg", "--arg needs the args file to be a mapping")
	}
	for _, p := range pairs {
		k, v, found := strings.Cut(p, "=")
		if !found || k == "" {
			return nil, sfapi.ErrorInvalidArgument("arg", "expected tag=value, got "+p)
		}
		named[k] = v
	}
	return named, nil
}

// ArgFlags are the flags ReadArgs reads.
func ArgFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:      "args",
			Usage:     "Read workflow arguments from `FILE` (json or yaml)",
			TakesFile: true,
		},
		&cli.StringSliceFlag{
			Name:  "arg",
			Usage: "Set one workflow input as `TAG=VALUE`; may be repeated",
		},
	}
}

// PrintJSON writes v to the app's stdout as indented json.
func PrintJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return sfapi.ErrorSerialization("encoding command output", err)
	}
	return nil
}
