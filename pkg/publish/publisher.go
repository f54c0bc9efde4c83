package publish

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/warptools/sciflo/pkg/logging"
)

const LOG_TAG = "publish"

// Publisher exposes a local file under a URL.
type Publisher interface {
	// Errors:
	//
	// 	- sciflo-error-io -- for IO errors that occur during publication
	Publish(ctx context.Context, localPath string) (string, error)
}

// Result rewrites every string in v that names an existing file under root
// to the URL pub gives it. Other values are returned as they are.
// A nil pub leaves v untouched.
//
// Errors:
//
// 	- sciflo-error-io -- for IO errors that occur during publication
func Result(ctx context.Context, pub Publisher, root string, v interface{}) (interface{}, error) {
	if pub == nil {
		return v, nil
	}
	switch x := v.(type) {
	case string:
		if !isLocalFile(root, x) {
			return x, nil
		}
		url, err := pub.Publish(ctx, x)
		if err != nil {
			return nil, err
		}
		logging.Ctx(ctx).Debug(LOG_TAG, "published %s as %s", x, url)
		return url, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			pe, err := Result(ctx, pub, root, e)
			if err != nil {
				return nil, err
			}
			out[i] = pe
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			pe, err := Result(ctx, pub, root, e)
			if err != nil {
				return nil, err
			}
			out[k] = pe
		}
		return out, nil
	}
	return v, nil
}

func isLocalFile(root string, s string) bool {
	if !filepath.IsAbs(s) || strings.ContainsAny(s, "\n<") {
		return false
	}
	if root != "" {
		rel, err := filepath.Rel(root, s)
		if err != nil || strings.HasPrefix(rel, "..") {
			return false
		}
	}
	fi, err := os.Stat(s)
	return err == nil && fi.Mode().IsRegular()
}
