package resolvecli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, resolveCmdDef)
}

var resolveCmdDef = &cli.Command{
	Name:      "resolve",
	Usage:     "Resolve a workflow document into work units without running them",
	ArgsUsage: "DOCUMENT",
	Description: `Prints one line per work unit: its process, variant, call, and the processes it reads from.
Implicit conversion units are marked with a star.
With --json the whole resolution is printed instead.`,
	Action: util.DefaultMiddleware(cmdResolve),
	Flags:  util.ArgFlags(),
}

func cmdResolve(c *cli.Context) error {
	doc, err := util.ReadDocument(c)
	if err != nil {
		return err
	}
	args, err := util.ReadArgs(c)
	if err != nil {
		return err
	}
	cfg, err := util.ExecConfig(c)
	if err != nil {
		return err
	}
	res, err := executor.New(cfg).Resolve(c.Context, doc, args)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return util.PrintJSON(c, res)
	}
	return printUnits(c, res)
}

func printUnits(c *cli.Context, res *sfapi.Resolution) error {
	procOf := make(map[string]string, len(res.Units))
	for _, u := range res.Units {
		procOf[u.ConfigID] = u.ProcessID
	}
	w := tabwriter.NewWriter(c.App.Writer, 1, 8, 2, ' ', 0)
	fmt.Fprintf(w, "workflow %s: %d units\n", res.WorkflowName, len(res.Units))
	for _, u := range res.Units {
		name := u.ProcessID
		if u.Implicit {
			name += "*"
		}
		deps := make([]string, 0, len(u.Dependencies()))
		for _, d := range u.Dependencies() {
			deps = append(deps, procOf[d])
		}
		from := "-"
		if len(deps) > 0 {
			from = strings.Join(deps, ",")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t<- %s\n", name, u.Variant, shorten(u.Call, 48), from)
	}
	for _, o := range res.Outputs {
		src := procOf[o.SourceConfigID]
		if o.Static {
			src = "inputs"
		}
		fmt.Fprintf(w, "  output %s\t%s\t\t<- %s\n", o.Tag, o.Type, src)
	}
	return w.Flush()
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
