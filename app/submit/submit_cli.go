package submitcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/serum-errors/go-serum"
	"github.com/urfave/cli/v2"

	appbase "github.com/warptools/sciflo/app/base"
	"github.com/warptools/sciflo/app/base/util"
	"github.com/warptools/sciflo/pkg/server"
	"github.com/warptools/sciflo/sfapi"
)

func init() {
	appbase.App.Commands = append(appbase.App.Commands, submitCmdDef)
}

// ServerFlag names the server that submit and cancel talk to.
var ServerFlag = &cli.StringFlag{
	Name:    "server",
	Usage:   "Talk to the sciflo server at `URL`",
	Value:   "http://localhost:8088",
	EnvVars: []string{"SCIFLO_SERVER"},
}

var submitCmdDef = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a workflow document to a sciflo server",
	ArgsUsage: "DOCUMENT",
	Description: `Prints the workflow id and the url of its state file.
A document the server cannot start still gets an id and a state file, with status exception.`,
	Action: util.DefaultMiddleware(cmdSubmit),
	Flags:  append(util.ArgFlags(), ServerFlag),
}

func cmdSubmit(c *cli.Context) error {
	if !c.Args().Present() {
		return serum.Errorf(sfapi.ECodeInvalidArgument, "submit needs a workflow document (or - for stdin)")
	}
	data, err := util.ReadInput(c, c.Args().First())
	if err != nil {
		return err
	}
	args, err := util.ReadArgs(c)
	if err != nil {
		return err
	}
	var resp server.SubmitResponse
	if err := Post(c.Context, c.String("server"), "/submit", server.SubmitRequest{Document: string(data), Args: args}, &resp); err != nil {
		return err
	}
	if c.Bool("json") {
		if err := util.PrintJSON(c, resp); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(c.App.Writer, "%s\t%s\n", resp.WorkflowID, resp.StateURL)
	}
	if resp.Error != nil {
		return sfapi.ErrorWorkflowFailed(resp.WorkflowID, resp.Error)
	}
	return nil
}

// Post sends body as json to the server and decodes its json answer into out.
// Answers with an error status still decode, since the server explains failures in the body.
//
// Errors:
//
//    - sciflo-error-io -- when the server cannot be reached
//    - sciflo-error-serialization -- when the answer is not json
func Post(ctx context.Context, base string, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return sfapi.ErrorSerialization("encoding request", err)
	}
	url := strings.TrimSuffix(base, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return sfapi.ErrorInvalidArgument("server", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return sfapi.ErrorIo("contacting server", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return sfapi.ErrorSerialization(fmt.Sprintf("decoding answer from %s (%s)", url, resp.Status), err)
	}
	return nil
}
