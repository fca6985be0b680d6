// Package channel defines chat transports (Slack, Telegram) that submit
// requests to the engine and report the outcome back to the conversation.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jxucoder/forgeline/pkg/model"
)

// Channel represents an input/output transport (Slack, Telegram, etc.).
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}

// Engine is what a channel needs from the generation engine.
type Engine interface {
	SubmitRequest(ctx context.Context, projectID, prompt string) (*model.Request, error)
	GetRequest(ctx context.Context, requestID string) (*model.Request, error)
	GetVersion(ctx context.Context, versionID string) (*model.Version, error)
	GetHead(ctx context.Context, projectID string) (*model.Version, error)
	SandboxStatus(ctx context.Context, projectID string) (*model.SandboxSession, error)
	Subscribe(projectID string) chan *model.Event
	Unsubscribe(projectID string, ch chan *model.Event)
}

// pollInterval is how often a follower re-reads the request while waiting.
var pollInterval = 5 * time.Second

// Outcome is the final state of a followed request.
type Outcome struct {
	Request *model.Request
	Version *model.Version
	// Files lists the paths the run wrote, deleted or fixed, first touch first.
	Files []string
	Err   error
}

// Succeeded reports whether the request produced a version.
func (o *Outcome) Succeeded() bool {
	return o.Err == nil && o.Request != nil && o.Request.Status == model.RequestComplete
}

// Submit enqueues prompt for projectID and follows its events until the run
// ends. progress, when not nil, is called for every event of the request.
// The subscription is taken before submission so no event is missed.
func Submit(ctx context.Context, eng Engine, projectID, prompt string, progress func(*model.Event)) (*model.Request, <-chan *Outcome, error) {
	ch := eng.Subscribe(projectID)
	req, err := eng.SubmitRequest(ctx, projectID, prompt)
	if err != nil {
		eng.Unsubscribe(projectID, ch)
		return nil, nil, err
	}

	out := make(chan *Outcome, 1)
	go func() {
		o := follow(ctx, eng, req, ch, progress)
		eng.Unsubscribe(projectID, ch)
		out <- o
	}()
	return req, out, nil
}

func follow(ctx context.Context, eng Engine, req *model.Request, ch chan *model.Event, progress func(*model.Event)) *Outcome {
	o := &Outcome{Request: req}
	seen := make(map[string]bool)
	// Delivery is at-most-once, so a dropped terminal event is caught by polling.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Err = ctx.Err()
			return o
		case <-ticker.C:
			cur, err := eng.GetRequest(ctx, req.ID)
			if err != nil || !cur.Status.Terminal() {
				continue
			}
			typ := model.EventComplete
			if cur.Status != model.RequestComplete {
				typ = model.EventError
			}
			return resolve(context.WithoutCancel(ctx), eng, o, &model.Event{Type: typ, Data: cur.Error})
		case ev, ok := <-ch:
			if !ok {
				o.Err = errors.New("event stream closed")
				return o
			}
			if ev.RequestID != req.ID {
				continue
			}
			if progress != nil {
				progress(ev)
			}
			if ev.Type == model.EventFile && ev.Data != "" && !seen[ev.Data] {
				seen[ev.Data] = true
				o.Files = append(o.Files, ev.Data)
			}
			if !ev.Type.Terminal() {
				continue
			}
			return resolve(context.WithoutCancel(ctx), eng, o, ev)
		}
	}
}

func resolve(ctx context.Context, eng Engine, o *Outcome, ev *model.Event) *Outcome {
	req, err := eng.GetRequest(ctx, o.Request.ID)
	if err != nil {
		o.Err = err
		return o
	}
	o.Request = req
	if ev.Type == model.EventError {
		msg := req.Error
		if msg == "" {
			msg = ev.Data
		}
		o.Err = errors.New(msg)
		return o
	}
	if req.VersionID != "" {
		v, err := eng.GetVersion(ctx, req.VersionID)
		if err != nil {
			o.Err = err
			return o
		}
		o.Version = v
	}
	return o
}

// Summary renders an outcome as plain text for chat replies.
func Summary(o *Outcome) string {
	if !o.Succeeded() {
		step := ""
		if o.Request != nil && o.Request.FailedStep != "" {
			step = " at " + o.Request.FailedStep
		}
		if o.Request != nil && o.Request.Status == model.RequestCancelled {
			return "Request cancelled" + step + "."
		}
		return fmt.Sprintf("Request failed%s: %v", step, o.Err)
	}

	var sb strings.Builder
	if o.Version != nil {
		fmt.Fprintf(&sb, "Version %d", o.Version.Number)
		if o.Version.Name != "" {
			fmt.Fprintf(&sb, ": %s", o.Version.Name)
		}
		sb.WriteString("\n")
		if o.Version.Description != "" {
			sb.WriteString(model.Truncate(o.Version.Description, 500))
			sb.WriteString("\n")
		}
	}
	if len(o.Files) > 0 {
		const maxListed = 10
		files := o.Files
		if len(files) > maxListed {
			files = files[:maxListed]
		}
		fmt.Fprintf(&sb, "Changed: %s", strings.Join(files, ", "))
		if extra := len(o.Files) - len(files); extra > 0 {
			fmt.Fprintf(&sb, " (+%d more)", extra)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// Usage is the help text shared by the chat channels.
func Usage(mention string) string {
	return fmt.Sprintf("Describe the change you want. Example:\n%s add a contact form to the landing page --project my-site", mention)
}
