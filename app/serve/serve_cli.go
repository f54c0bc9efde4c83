package servecli

import (
	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/server"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, serveCmdDef)
}

var serveCmdDef = &cli.Command{
	Name:  "serve",
	Usage: "Accept workflow submissions over http",
	Description: `Submitted workflows run in this process, in the background.
An interrupt stops accepting requests and cancels every workflow still running.`,
	Action: util.ChainCmdMiddleware(cmdServe,
		util.CmdMiddlewareLogging,
		util.CmdMiddlewareInterrupt,
		util.CmdMiddlewareTracingConfig,
		util.CmdMiddlewareTracingSpan,
	),
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Listen on `ADDR`",
			Value: "localhost:8088",
		},
	},
}

func cmdServe(c *cli.Context) error {
	cfg, err := util.ExecConfig(c)
	if err != nil {
		return err
	}
	return server.New(c.Context, executor.New(cfg)).ListenAndServe(c.Context, c.String("listen"))
}
