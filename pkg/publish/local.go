package publish

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/warptools/sciflo/sfapi"
)

// LocalPublisher maps files under Root to BaseURL without copying anything;
// a web server is expected to expose Root at BaseURL.
type LocalPublisher struct {
	Root    string
	BaseURL string
}

func (p LocalPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	rel, err := filepath.Rel(p.Root, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", sfapi.ErrorIo("file is outside the publication root", localPath, err)
	}
	return strings.TrimSuffix(p.BaseURL, "/") + "/" + filepath.ToSlash(rel), nil
}
