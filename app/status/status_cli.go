package statuscli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/facette/natsort"
	"github.com/serum-errors/go-serum"
	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, statusCmdDef)
}

var statusCmdDef = &cli.Command{
	Name:      "status",
	Usage:     "Show the state of a workflow",
	ArgsUsage: "WORKFLOW_ID|STATE_FILE",
	Description: `Reads the workflow's state file from the work directory, or from the path given.
Units are listed by process, in natural order, one line per attempt.`,
	Action: util.DefaultMiddleware(cmdStatus),
}

func cmdStatus(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return serum.Errorf(sfapi.ECodeInvalidArgument, "status needs exactly one workflow id or state file")
	}
	path := c.Args().First()
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		cfg, err := util.ExecConfig(c)
		if err != nil {
			return err
		}
		path = filepath.Join(cfg.WorkDir, path, executor.StateFileName)
	}
	st, err := executor.ReadState(path)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return util.PrintJSON(c, st)
	}
	return printState(c, st)
}

// attemptsByProcess groups unit summaries by process, attempts in order.
func attemptsByProcess(st sfapi.StateFile) ([]string, map[string][]sfapi.UnitSummary) {
	byProc := map[string][]sfapi.UnitSummary{}
	for _, u := range st.Units {
		byProc[u.ProcessID] = append(byProc[u.ProcessID], u)
	}
	procs := make([]string, 0, len(byProc))
	for p, us := range byProc {
		procs = append(procs, p)
		sort.Slice(us, func(i, j int) bool { return us[i].Attempt < us[j].Attempt })
	}
	natsort.Sort(procs)
	return procs, byProc
}

func printState(c *cli.Context, st sfapi.StateFile) error {
	w := tabwriter.NewWriter(c.App.Writer, 1, 8, 2, ' ', 0)
	fmt.Fprintf(w, "workflow %s (%s): %s\n", st.WorkflowID, st.Name, st.Status)
	end := time.Now()
	if st.EndTime != nil {
		end = *st.EndTime
	}
	if !st.StartTime.IsZero() {
		fmt.Fprintf(w, "elapsed: %s\n", end.Sub(st.StartTime).Round(time.Second))
	}
	procs, byProc := attemptsByProcess(st)
	for _, p := range procs {
		for _, u := range byProc[p] {
			line := fmt.Sprintf("  %s\t%s\t%s", p, u.Status, u.UnitID)
			if u.Exception != nil {
				line += "\t" + u.Exception.Error()
			}
			fmt.Fprintln(w, line)
		}
	}
	if st.Exception != nil {
		fmt.Fprintf(w, "exception: %s\n", st.Exception)
	}
	for _, o := range st.Result {
		switch {
		case o.URL != "":
			fmt.Fprintf(w, "  output %s\t%s\n", o.Tag, o.URL)
		case o.Error != nil:
			fmt.Fprintf(w, "  output %s\t%s\n", o.Tag, o.Error.Kind)
		default:
			fmt.Fprintf(w, "  output %s\t%v\n", o.Tag, o.Value)
		}
	}
	return w.Flush()
}
