package graphcli

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/serum-errors/go-serum"
	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/graph"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, graphCmdDef)
}

var graphCmdDef = &cli.Command{
	Name:      "graph",
	Usage:     "Draw the work-unit graph of a workflow document",
	ArgsUsage: "DOCUMENT OUTPUT",
	Description: `The format follows the extension of OUTPUT: .svg, .png, .jpg or .dot.
An OUTPUT of - writes svg to stdout.`,
	Action: util.DefaultMiddleware(cmdGraph),
	Flags:  util.ArgFlags(),
}

var formats = map[string]graphviz.Format{
	".svg":  graphviz.SVG,
	".png":  graphviz.PNG,
	".jpg":  graphviz.JPG,
	".jpeg": graphviz.JPG,
	".dot":  graphviz.XDOT,
}

func cmdGraph(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return serum.Errorf(sfapi.ECodeInvalidArgument, "graph needs a document and an output file")
	}
	out := c.Args().Get(1)
	format := graphviz.SVG
	if out != "-" {
		f, ok := formats[strings.ToLower(filepath.Ext(out))]
		if !ok {
			return serum.Errorf(sfapi.ECodeInvalidArgument, "no graph format for %q; use .svg, .png, .jpg or .dot", out)
		}
		format = f
	}

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

	var buf bytes.Buffer
	if err := graph.Graph(res, format, &buf); err != nil {
		return sfapi.ErrorInternal("rendering workflow graph", err)
	}
	if out == "-" {
		_, err := c.App.Writer.Write(buf.Bytes())
		return err
	}
	if err := fsutil.WriteFileAtomic(out, buf.Bytes(), 0644); err != nil {
		return err
	}
	logging.Ctx(c.Context).Info("", "wrote %s", out)
	return nil
}
