package marshal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/publish"
	"github.com/warptools/sciflo/pkg/tracing"
	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "marshal"

// Stager makes remote and local sources available inside a unit's working directory.
// Supported sources: http(s) urls, s3://bucket/key, git+URL[#rev], file:// urls and plain paths.
type Stager struct {
	HTTP *http.Client
	S3   publish.S3Config

	s3once   sync.Once
	s3client *s3.Client
	s3err    error
}

func NewStager(s3cfg publish.S3Config) *Stager {
	return &Stager{HTTP: http.DefaultClient, S3: s3cfg}
}

// IsURL reports whether s names a remote or file:// source.
func IsURL(s string) bool {
	for _, p := range []string{"http://", "https://", "s3://", "file://", "git+"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Stage copies each file into dir, unpacking registered bundles in place.
// It returns the local paths in the order given.
//
// Errors:
//
//    - sciflo-error-stage-failure -- when any source cannot be made local
func (s *Stager) Stage(ctx context.Context, files []sfapi.StageFile, dir string) ([]string, error) {
	ctx, span := tracing.Start(ctx, "stage files", trace.WithAttributes(attribute.Int("count", len(files))))
	defer span.End()
	log := logging.Ctx(ctx)
	out := make([]string, 0, len(files))
	for _, f := range files {
		local, err := s.Fetch(ctx, f.Source, dir)
		if err != nil {
			err = sfapi.ErrorStageFailure(f.Source, err)
			tracing.SetSpanError(ctx, err)
			return nil, err
		}
		if f.Bundle && ArchiveKind(local) != "" {
			log.Debug(LOG_TAG, "unpacking bundle %s", local)
			if err := Unpack(local, dir); err != nil {
				err = sfapi.ErrorStageFailure(f.Source, err)
				tracing.SetSpanError(ctx, err)
				return nil, err
			}
		}
		out = append(out, local)
	}
	return out, nil
}

// Fetch makes one source local under dir and returns its path.
func (s *Stager) Fetch(ctx context.Context, source string, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(source, "git+"):
		return s.fetchGit(ctx, strings.TrimPrefix(source, "git+"), dir)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return s.fetchHTTP(ctx, source, dir)
	case strings.HasPrefix(source, "s3://"):
		return s.fetchS3(ctx, source, dir)
	case strings.HasPrefix(source, "file://"):
		u, err := url.Parse(source)
		if err != nil {
			return "", err
		}
		return copyPath(u.Path, dir)
	}
	return copyPath(source, dir)
}

func (s *Stager) fetchHTTP(ctx context.Context, source string, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", err
	}
	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("GET %s: %s", source, resp.Status)
	}
	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	target := filepath.Join(dir, name)
	return target, writeFile(target, resp.Body, 0644)
}

func (s *Stager) fetchS3(ctx context.Context, source string, dir string) (string, error) {
	s.s3once.Do(func() {
		s.s3client, s.s3err = publish.NewS3Client(ctx, s.S3)
	})
	if s.s3err != nil {
		return "", s.s3err
	}
	rest := strings.TrimPrefix(source, "s3://")
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", fmt.Errorf("%q is not of the form s3://bucket/key", source)
	}
	bucket, key := rest[:i], rest[i+1:]
	target := filepath.Join(dir, path.Base(key))
	return target, publish.Download(ctx, s.s3client, bucket, key, target)
}

func (s *Stager) fetchGit(ctx context.Context, source string, dir string) (string, error) {
	repoURL, rev, _ := strings.Cut(source, "#")
	name := strings.TrimSuffix(path.Base(repoURL), ".git")
	target := filepath.Join(dir, name)

	gitCtx, gitSpan := tracing.Start(ctx, "clone stage repository", trace.WithAttributes(attribute.String(tracing.AttrKeyScifloStageURL, repoURL)))
	repo, err := git.PlainCloneContext(gitCtx, target, false, &git.CloneOptions{
		URL:               repoURL,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	})
	tracing.EndWithStatus(gitSpan, err)
	if err != nil {
		return "", fmt.Errorf("cloning %s: %w", repoURL, err)
	}
	if rev == "" {
		return target, nil
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolving revision %q of %s: %w", rev, repoURL, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
		return "", fmt.Errorf("checking out %s: %w", hash, err)
	}
	return target, nil
}

// copyPath copies a file or a directory tree into dir, keeping its base name.
// Staged files are always copied, never linked.
func copyPath(src string, dir string) (string, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, filepath.Base(src))
	if sameFile(src, target) {
		return target, nil
	}
	if !fi.IsDir() {
		return target, copyFile(src, target, fi.Mode().Perm())
	}
	err = filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)
		if info.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(p, dest, info.Mode().Perm())
	})
	return target, err
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(dst, in, mode)
}

// Localize replaces every url found in v with a local copy under dir.
// Lists and mappings are walked; other values pass through.
//
// Errors:
//
//    - sciflo-error-stage-failure -- when a url cannot be fetched
func (s *Stager) Localize(ctx context.Context, v interface{}, dir string) (interface{}, error) {
	switch x := v.(type) {
	case string:
		if !IsURL(x) {
			return x, nil
		}
		local, err := s.Fetch(ctx, x, dir)
		if err != nil {
			return nil, sfapi.ErrorStageFailure(x, err)
		}
		return local, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			le, err := s.Localize(ctx, e, dir)
			if err != nil {
				return nil, err
			}
			out[i] = le
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			le, err := s.Localize(ctx, e, dir)
			if err != nil {
				return nil, err
			}
			out[k] = le
		}
		return out, nil
	}
	return v, nil
}

