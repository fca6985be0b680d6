package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/forgeline/pkg/eventbus"
	"github.com/jxucoder/forgeline/pkg/model"
	"github.com/jxucoder/forgeline/pkg/store"
)

// fakeEngine publishes a scripted event sequence for every submission.
type fakeEngine struct {
	*eventbus.InMemoryBus

	mu        sync.Mutex
	requests  map[string]*model.Request
	versions  map[string]*model.Version
	script    func(e *fakeEngine, req *model.Request)
	submitErr error
}

func newFakeEngine(script func(e *fakeEngine, req *model.Request)) *fakeEngine {
	return &fakeEngine{
		InMemoryBus: eventbus.NewInMemoryBus(),
		requests:    make(map[string]*model.Request),
		versions:    make(map[string]*model.Version),
		script:      script,
	}
}

func (e *fakeEngine) SubmitRequest(_ context.Context, projectID, prompt string) (*model.Request, error) {
	if e.submitErr != nil {
		return nil, e.submitErr
	}
	req := &model.Request{ID: "req-1", ProjectID: projectID, Prompt: prompt, Status: model.RequestQueued}
	e.mu.Lock()
	e.requests[req.ID] = req
	e.mu.Unlock()
	go e.script(e, req)
	return req, nil
}

func (e *fakeEngine) setRequest(req *model.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *req
	e.requests[req.ID] = &cp
}

func (e *fakeEngine) GetRequest(_ context.Context, id string) (*model.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (e *fakeEngine) GetVersion(_ context.Context, id string) (*model.Version, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.versions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (e *fakeEngine) GetHead(context.Context, string) (*model.Version, error) {
	return nil, store.ErrNotFound
}

func (e *fakeEngine) SandboxStatus(_ context.Context, projectID string) (*model.SandboxSession, error) {
	return &model.SandboxSession{ProjectID: projectID, Status: model.SandboxAbsent}, nil
}

func (e *fakeEngine) publish(req *model.Request, typ model.EventType, data string) {
	e.Publish(req.ProjectID, &model.Event{ProjectID: req.ProjectID, RequestID: req.ID, Type: typ, Data: data})
}

func succeed(e *fakeEngine, req *model.Request) {
	// Noise from another request on the same project.
	e.Publish(req.ProjectID, &model.Event{RequestID: "other", Type: model.EventComplete})
	e.publish(req, model.EventStepStart, "")
	e.publish(req, model.EventFile, "index.html")
	e.publish(req, model.EventFile, "style.css")
	e.publish(req, model.EventFile, "index.html")

	e.mu.Lock()
	e.versions["v-1"] = &model.Version{ID: "v-1", Number: 1, Name: "Landing page", Description: "Adds a landing page"}
	e.mu.Unlock()
	done := *req
	done.Status = model.RequestComplete
	done.VersionID = "v-1"
	e.setRequest(&done)
	e.publish(req, model.EventComplete, "")
}

func TestSubmitFollowsToCompletion(t *testing.T) {
	eng := newFakeEngine(succeed)

	var progress []model.EventType
	req, out, err := Submit(context.Background(), eng, "site", "build a landing page", func(ev *model.Event) {
		progress = append(progress, ev.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)

	var o *Outcome
	select {
	case o = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	require.True(t, o.Succeeded(), "outcome error: %v", o.Err)
	require.NotNil(t, o.Version)
	assert.Equal(t, 1, o.Version.Number)
	assert.Equal(t, []string{"index.html", "style.css"}, o.Files)
	assert.Equal(t, model.EventComplete, progress[len(progress)-1])
	assert.Equal(t, 0, eng.Subscribers("site"), "subscription should be released")

	summary := Summary(o)
	assert.Contains(t, summary, "Version 1: Landing page")
	assert.Contains(t, summary, "Changed: index.html, style.css")
}

func TestSubmitReportsFailure(t *testing.T) {
	eng := newFakeEngine(func(e *fakeEngine, req *model.Request) {
		failed := *req
		failed.Status = model.RequestFailed
		failed.FailedStep = "generate"
		failed.Error = "generation failed after 2 attempts"
		e.setRequest(&failed)
		e.publish(req, model.EventError, failed.Error)
	})

	_, out, err := Submit(context.Background(), eng, "site", "do it", nil)
	require.NoError(t, err)
	o := <-out

	assert.False(t, o.Succeeded())
	require.Error(t, o.Err)
	assert.Equal(t, "Request failed at generate: generation failed after 2 attempts", Summary(o))
}

func TestSubmitReportsCancellation(t *testing.T) {
	eng := newFakeEngine(func(e *fakeEngine, req *model.Request) {
		c := *req
		c.Status = model.RequestCancelled
		e.setRequest(&c)
		e.publish(req, model.EventError, "request cancelled")
	})

	_, out, err := Submit(context.Background(), eng, "site", "do it", nil)
	require.NoError(t, err)
	assert.Equal(t, "Request cancelled.", Summary(<-out))
}

func TestSubmitPollsWhenTerminalEventIsMissed(t *testing.T) {
	prev := pollInterval
	pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { pollInterval = prev })

	eng := newFakeEngine(func(e *fakeEngine, req *model.Request) {
		e.mu.Lock()
		e.versions["v-9"] = &model.Version{ID: "v-9", Number: 9}
		e.mu.Unlock()
		done := *req
		done.Status = model.RequestComplete
		done.VersionID = "v-9"
		e.setRequest(&done)
	})

	_, out, err := Submit(context.Background(), eng, "site", "quiet", nil)
	require.NoError(t, err)
	select {
	case o := <-out:
		require.True(t, o.Succeeded())
		assert.Equal(t, 9, o.Version.Number)
	case <-time.After(5 * time.Second):
		t.Fatal("follower never noticed completion")
	}
}

func TestSubmitError(t *testing.T) {
	eng := newFakeEngine(succeed)
	eng.submitErr = errors.New("queue closed")

	_, _, err := Submit(context.Background(), eng, "site", "x", nil)
	require.Error(t, err)
	assert.Equal(t, 0, eng.Subscribers("site"))
}

func TestSubmitContextCancelled(t *testing.T) {
	eng := newFakeEngine(func(*fakeEngine, *model.Request) {})
	ctx, cancel := context.WithCancel(context.Background())

	_, out, err := Submit(ctx, eng, "site", "x", nil)
	require.NoError(t, err)
	cancel()
	o := <-out
	assert.ErrorIs(t, o.Err, context.Canceled)
}

func TestSummaryTruncatesFileList(t *testing.T) {
	o := &Outcome{
		Request: &model.Request{Status: model.RequestComplete},
		Version: &model.Version{Number: 3},
	}
	for i := 0; i < 12; i++ {
		o.Files = append(o.Files, string(rune('a'+i))+".js")
	}
	s := Summary(o)
	assert.True(t, strings.HasPrefix(s, "Version 3"))
	assert.Contains(t, s, "(+2 more)")
}
