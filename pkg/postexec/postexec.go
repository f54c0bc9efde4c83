// Package postexec converts a unit's raw result after the operator returns.
//
// Each step selects one element of the result (or all of it) and applies one
// conversion key: "xpath:EXPR", "jq:FILTER", or the name of a registered converter.
// Step results are cached independently of the unit.
package postexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itchyny/gojq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/sciflo/pkg/cache"
	"github.com/warptools/sciflo/pkg/conversion"
	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/ids"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/marshal"
	"github.com/warptools/sciflo/pkg/publish"
	"github.com/warptools/sciflo/pkg/tracing"
	"github.com/warptools/sciflo/pkg/workunit"
	"github.com/warptools/sciflo/pkg/xmlutil"
	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "postexec"

const (
	PrefixXPath = "xpath:"
	PrefixJQ    = "jq:"
)

type Pipeline struct {
	Cache  cache.Cache
	Stager *marshal.Stager
}

func New(c cache.Cache, stager *marshal.Stager) *Pipeline {
	if c == nil {
		c = cache.NullCache{}
	}
	return &Pipeline{Cache: c, Stager: stager}
}

type stepRecord struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Run applies steps to raw in order and returns one result per step.
// Files produced by steps, and step records, are written under dir.
//
// Errors:
//
//    - sciflo-error-post-exec-failure -- when any step fails; results of earlier steps are still returned
func (p *Pipeline) Run(ctx context.Context, unitHash string, raw interface{}, steps []sfapi.PostExecStep, dir string) ([]interface{}, error) {
	log := logging.Ctx(ctx)
	out := make([]interface{}, 0, len(steps))
	for i, step := range steps {
		v, err := p.runStep(ctx, unitHash, i, step, raw, dir)
		if err != nil {
			err = sfapi.ErrorPostExecFailure(i, step.Key, err)
			log.Debug(LOG_TAG, "step %d (%s) failed: %s", i, step.Key, err)
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *Pipeline) runStep(ctx context.Context, unitHash string, i int, step sfapi.PostExecStep, raw interface{}, dir string) (_ interface{}, err error) {
	ctx, span := tracing.Start(ctx, "post-exec step", trace.WithAttributes(
		attribute.String(tracing.AttrKeyScifloPostExecKey, step.Key),
		attribute.Int("step", i),
	))
	defer func() { tracing.EndWithStatus(span, err) }()
	log := logging.Ctx(ctx)

	hash, err := ids.PostExecHash(unitHash, i, step.Fingerprint())
	if err != nil {
		return nil, err
	}
	if path, ok, err := p.Cache.Get(ctx, cache.PostExec, hash); err != nil {
		log.Info(LOG_TAG, "cache lookup for step %d bypassed: %s", i, err)
	} else if ok {
		var rec stepRecord
		if err := fsutil.ReadJSON(path, &rec); err == nil {
			log.Debug(LOG_TAG, "step %d (%s) served from cache", i, step.Key)
			return rec.Value, nil
		}
	}

	in, err := Select(raw, step.OutputIndex)
	if err != nil {
		return nil, err
	}
	v, err := p.Apply(ctx, step, in, filepath.Join(dir, fmt.Sprintf("postexec-%d", i)))
	if err != nil {
		return nil, err
	}
	if v, err = workunit.Plain(v); err != nil {
		return nil, err
	}

	recPath := filepath.Join(dir, fmt.Sprintf("postexec-%d.json", i))
	if err := fsutil.WriteJSONAtomic(recPath, stepRecord{Key: step.Key, Value: v}); err != nil {
		log.Info(LOG_TAG, "step %d result not cached: %s", i, err)
		return v, nil
	}
	if err := p.Cache.Put(ctx, cache.PostExec, hash, recPath); err != nil {
		log.Info(LOG_TAG, "step %d result not cached: %s", i, err)
	}
	return v, nil
}

// Select picks element index of a multi-output result, or the whole result for a nil index.
func Select(raw interface{}, index *int) (interface{}, error) {
	if index == nil {
		return raw, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		if *index == 0 {
			return raw, nil
		}
		return nil, fmt.Errorf("result is not a list; cannot select output %d", *index)
	}
	if *index < 0 || *index >= len(list) {
		return nil, fmt.Errorf("output %d out of range; result has %d elements", *index, len(list))
	}
	return list[*index], nil
}

// Apply runs one conversion key on v. scratch receives files the conversion writes.
func (p *Pipeline) Apply(ctx context.Context, step sfapi.PostExecStep, v interface{}, scratch string) (interface{}, error) {
	switch {
	case strings.HasPrefix(step.Key, PrefixXPath):
		return evalXPath(strings.TrimPrefix(step.Key, PrefixXPath), v)
	case strings.HasPrefix(step.Key, PrefixJQ):
		return evalJQ(ctx, strings.TrimPrefix(step.Key, PrefixJQ), v)
	}
	c, ok := conversion.LookupFunc(step.Key)
	if !ok {
		return nil, fmt.Errorf("no conversion function %q", step.Key)
	}
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return nil, err
	}
	if c.FileLocalizing {
		stager := p.Stager
		if stager == nil {
			stager = marshal.NewStager(publish.S3Config{})
		}
		localized, err := stager.Localize(ctx, v, filepath.Join(scratch, "localized"))
		if err != nil {
			return nil, err
		}
		v = localized
	}
	return c.Fn(ctx, v, conversion.Env{From: step.From, To: step.To, OutDir: scratch, BaseName: "result"})
}

// evalXPath evaluates expr against the XML form of v.
// A string naming an existing file is read first.
func evalXPath(expr string, v interface{}) (interface{}, error) {
	text := xmlutil.ToXML(v)
	if s, ok := v.(string); ok && !xmlutil.LooksLikeXML(s) {
		if data, err := os.ReadFile(s); err == nil {
			text = string(data)
		}
	}
	return xmlutil.EvalText(text, expr)
}

// evalJQ runs a jq filter over a json-shaped value.
// One emitted value is returned bare, several as a list.
func evalJQ(ctx context.Context, filter string, v interface{}) (interface{}, error) {
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("parsing jq filter %q: %w", filter, err)
	}
	var out []interface{}
	iter := query.RunWithContext(ctx, v)
	for {
		res, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := res.(error); isErr {
			return nil, err
		}
		out = append(out, res)
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}
