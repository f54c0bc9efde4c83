package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/publish"
	"github.com/warptools/sciflo/sfapi"
)

// ArtifactName is the file the i'th global output is written to in the run directory.
func ArtifactName(i int, ext string) string {
	if ext == "" {
		ext = "txt"
	}
	return fmt.Sprintf("workunit_result-%d.%s", i, strings.TrimPrefix(ext, "."))
}

// outputs builds the result tuple, one entry per global output in declaration order.
// Outputs whose producer did not succeed carry the run's failure instead of a value.
func (r *Run) outputs() []sfapi.OutputValue {
	// the run context is already cancelled when the run aborted
	ctx := context.WithoutCancel(r.ctx)
	log := logging.Ctx(ctx)
	out := make([]sfapi.OutputValue, len(r.res.Outputs))
	for i, w := range r.res.Outputs {
		ov := sfapi.OutputValue{Tag: w.Tag, Type: w.Type}
		var v interface{}
		if w.Static {
			v = w.Literal
		} else {
			src, ok := r.units[w.SourceConfigID]
			if !ok || !src.info.Status.Succeeded() {
				ov.Error = r.failureRecord()
				ov.NotReached = !ok || src.info.Status == sfapi.StatusNotReached ||
					src.info.Status == sfapi.StatusWaiting || src.info.Status == sfapi.StatusReady
				out[i] = ov
				continue
			}
			var err error
			if v, err = r.refValue(w.Ref); err != nil {
				ov.Error = sfapi.RecordFromError(sfapi.ErrorPostExecFailure(-1, "output "+w.Tag, err))
				out[i] = ov
				continue
			}
		}
		pub, err := publish.Result(ctx, r.e.cfg.Publisher, r.e.cfg.WorkDir, v)
		if err != nil {
			log.Warn(LOG_TAG, "publishing output %q: %s", w.Tag, err)
			pub = v
		}
		ov.Value = pub
		path, err := r.writeArtifact(i, w, v)
		if err != nil {
			log.Warn(LOG_TAG, "writing artifact for output %q: %s", w.Tag, err)
		} else if w.Ref.RewriteFile != "" {
			ov.URL = r.artifactURL(ctx, path)
		}
		out[i] = ov
	}
	return out
}

func (r *Run) failureRecord() *sfapi.ErrorRecord {
	if r.failure != nil {
		return r.failure
	}
	return sfapi.RecordFromError(sfapi.ErrorInternal("computing outputs", fmt.Errorf("producer did not succeed")))
}

// writeArtifact stores one output value in the run directory.
// A value naming an existing file is copied; other strings are written as text, anything else as json.
func (r *Run) writeArtifact(i int, w sfapi.OutputWiring, v interface{}) (string, error) {
	path := filepath.Join(r.dir, ArtifactName(i, w.Ref.RewriteFile))
	if s, ok := v.(string); ok {
		if fi, err := os.Stat(s); err == nil && fi.Mode().IsRegular() && filepath.IsAbs(s) {
			data, err := os.ReadFile(s)
			if err != nil {
				return "", sfapi.ErrorIo("reading output file", s, err)
			}
			return path, fsutil.WriteFileAtomic(path, data, 0644)
		}
		return path, fsutil.WriteFileAtomic(path, []byte(s), 0644)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", sfapi.ErrorSerialization("encoding output "+w.Tag, err)
	}
	return path, fsutil.WriteFileAtomic(path, append(data, '\n'), 0644)
}

func (r *Run) artifactURL(ctx context.Context, path string) string {
	if r.e.cfg.Publisher != nil {
		url, err := r.e.cfg.Publisher.Publish(ctx, path)
		if err == nil {
			return url
		}
		logging.Ctx(ctx).Warn(LOG_TAG, "publishing %s: %s", path, err)
	}
	return "file://" + path
}
