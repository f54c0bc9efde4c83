package cancelcli

import (
	"fmt"
	"path/filepath"

	"github.com/serum-errors/go-serum"
	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	submitcli "github.com/warptools/sciflo/app/submit"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/server"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, cancelCmdDef)
}

var cancelCmdDef = &cli.Command{
	Name:      "cancel",
	Usage:     "Cancel a running workflow",
	ArgsUsage: "WORKFLOW_ID",
	Description: `With --server the server is asked to cancel the workflow.
Without it, the running units listed in the workflow's local state file are sent SIGINT.`,
	Action: util.DefaultMiddleware(cmdCancel),
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    ServerFlagName,
			Usage:   "Ask the sciflo server at `URL` to cancel",
			EnvVars: []string{"SCIFLO_SERVER"},
		},
	},
}

const ServerFlagName = "server"

func cmdCancel(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return serum.Errorf(sfapi.ECodeInvalidArgument, "cancel needs exactly one workflow id")
	}
	id := c.Args().First()

	var cancelled bool
	if base := c.String(ServerFlagName); base != "" {
		var resp server.CancelResponse
		if err := submitcli.Post(c.Context, base, "/cancel/"+id, nil, &resp); err != nil {
			return err
		}
		cancelled = resp.Cancelled
	} else {
		cfg, err := util.ExecConfig(c)
		if err != nil {
			return err
		}
		statePath := filepath.Join(cfg.WorkDir, id, executor.StateFileName)
		cancelled = server.SignalUnits(c.Context, statePath, server.CancelAttempts, server.CancelInterval)
	}

	if c.Bool("json") {
		return util.PrintJSON(c, server.CancelResponse{Cancelled: cancelled})
	}
	if !cancelled {
		return serum.Errorf(sfapi.ECodeInvalidArgument, "workflow %s has nothing running to cancel", id)
	}
	fmt.Fprintf(c.App.Writer, "cancelled %s\n", id)
	return nil
}
