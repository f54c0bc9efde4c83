package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func init() {
	RegisterHandler("square", func(ctx context.Context, args []interface{}) (interface{}, error) {
		x := args[0].(float64)
		return x * x, nil
	})
	RegisterHandler("fail", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, errors.New("nope")
	})
	RegisterHandler("block", func(ctx context.Context, args []interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	RegisterBuilder("squares", func(ctx context.Context, args []interface{}) (Payload, error) {
		return Payload{Handler: "square", Args: args, Context: JobContext{Tag: "built"}}, nil
	})
}

func TestLocalGroupJoin(t *testing.T) {
	ctx := context.Background()
	q := NewLocalQueue(2)
	var ids []string
	for _, x := range []float64{1, 2, 3} {
		p, err := Build(ctx, "squares", []interface{}{x}, JobContext{Username: "alice"})
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, p.Context.Tag, qt.Equals, "built")
		id, err := q.Submit(ctx, "jobs", p)
		qt.Assert(t, err, qt.IsNil)
		ids = append(ids, id)
	}
	res, err := NewGroup(q, ids).Join(ctx, 5*time.Second)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res, qt.HasLen, 3)
	qt.Assert(t, res[0].Value, qt.Equals, 1.0)
	qt.Assert(t, res[2].Value, qt.Equals, 9.0)
}

func TestBuildWithoutBuilderInheritsContext(t *testing.T) {
	p, err := Build(context.Background(), "fail", []interface{}{1.0}, JobContext{Priority: 3})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, p.Handler, qt.Equals, "fail")
	qt.Assert(t, p.Context.Priority, qt.Equals, 3)

	q := NewLocalQueue(1)
	id, err := q.Submit(context.Background(), "jobs", p)
	qt.Assert(t, err, qt.IsNil)
	res, err := NewGroup(q, []string{id}).Join(context.Background(), 5*time.Second)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, res[0].Error, qt.Equals, "nope")
}

func TestJoinTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewLocalQueue(1)
	id, err := q.Submit(ctx, "jobs", Payload{Handler: "block"})
	qt.Assert(t, err, qt.IsNil)
	g := NewGroup(q, []string{id})
	ready, err := g.Ready(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ready, qt.IsFalse)
	_, err = g.Join(ctx, 200*time.Millisecond)
	qt.Assert(t, err, qt.ErrorMatches, "1 of 1 tasks unfinished: context deadline exceeded")
}
