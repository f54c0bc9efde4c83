package workunit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/warptools/sciflo/pkg/logging"
)

var httpClient = &http.Client{}

// runURLTemplate fetches a url built from the call and saves the body in the working directory.
// In "rest" mode the arguments become query parameters; otherwise {name} placeholders are
// replaced with query-escaped values.
func runURLTemplate(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	target, err := buildURL(req)
	if err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Debug(LOG_TAG, "fetching %s", target)
	fmt.Fprintf(out, "GET %s\n", target)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: %s", target, resp.Status)
	}
	dest := filepath.Join(req.WorkingDir, "url_result."+extensionForContentType(resp.Header.Get("Content-Type")))
	f, err := os.Create(dest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "saved %d bytes to %s\n", n, dest)
	return dest, nil
}

func buildURL(req Request) (string, error) {
	named := req.Named()
	if req.Config.Endpoint.Mode == "rest" {
		u, err := url.Parse(req.Config.Call)
		if err != nil {
			return "", err
		}
		q := u.Query()
		for i, name := range req.Config.ArgNames {
			if i < len(req.Args) {
				q.Set(name, argString(req.Args[i]))
			}
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return interpolate(req.Config.Call, named, url.QueryEscape)
}

// extensionForContentType derives a file extension from a MIME subtype;
// "atom+xml" style suffixes win over the subtype itself.
func extensionForContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt == "" {
		return "dat"
	}
	_, sub, ok := strings.Cut(mt, "/")
	if !ok || sub == "" {
		return "dat"
	}
	if _, suffix, ok := strings.Cut(sub, "+"); ok && suffix != "" {
		sub = suffix
	}
	switch sub {
	case "plain":
		return "txt"
	case "jpeg":
		return "jpg"
	case "octet-stream":
		return "dat"
	}
	return strings.TrimPrefix(sub, "x-")
}

// runPostRequest posts the arguments to the call url with the binding's headers.
// A single string argument is sent as is; anything else is sent as json.
func runPostRequest(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	var body []byte
	contentType := "application/json"
	if len(req.Args) == 1 {
		if s, ok := req.Args[0].(string); ok {
			body = []byte(s)
			contentType = "text/plain"
			if strings.HasPrefix(strings.TrimSpace(s), "<") {
				contentType = "text/xml"
			}
		}
	}
	if body == nil {
		var payload interface{} = req.Args
		if len(req.Args) == 1 {
			payload = req.Args[0]
		}
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Config.Call, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", contentType)
	for _, h := range req.Config.Endpoint.Headers {
		hreq.Header.Set(h[0], h[1])
	}
	fmt.Fprintf(out, "POST %s (%d bytes)\n", req.Config.Call, len(body))
	resp, err := httpClient.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("POST %s: %s: %s", req.Config.Call, resp.Status, strings.TrimSpace(string(respBody)))
	}
	return string(respBody), nil
}
