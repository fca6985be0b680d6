package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jxucoder/forgeline/pkg/model"
)

// apiClient talks to a running Forgeline server.
type apiClient struct {
	base   string
	http   *http.Client
	stream *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		stream: &http.Client{},
	}
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) createProject(ctx context.Context, id, name string) (*model.Project, error) {
	var p model.Project
	err := c.do(ctx, http.MethodPost, "/api/projects", map[string]string{"id": id, "name": name}, &p)
	return &p, err
}

func (c *apiClient) listProjects(ctx context.Context) ([]*model.Project, error) {
	var ps []*model.Project
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &ps)
	return ps, err
}

func (c *apiClient) submit(ctx context.Context, projectID, prompt string) (*model.Request, error) {
	var req model.Request
	err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/requests",
		map[string]string{"prompt": prompt}, &req)
	return &req, err
}

func (c *apiClient) request(ctx context.Context, id string) (*model.Request, error) {
	var req model.Request
	err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(id), nil, &req)
	return &req, err
}

func (c *apiClient) cancel(ctx context.Context, id string) (*model.Request, error) {
	var req model.Request
	err := c.do(ctx, http.MethodPost, "/api/requests/"+url.PathEscape(id)+"/cancel", nil, &req)
	return &req, err
}

func (c *apiClient) head(ctx context.Context, projectID string) (*model.Version, error) {
	var v model.Version
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/head", nil, &v)
	return &v, err
}

func (c *apiClient) version(ctx context.Context, id string) (*model.Version, error) {
	var v model.Version
	err := c.do(ctx, http.MethodGet, "/api/versions/"+url.PathEscape(id), nil, &v)
	return &v, err
}

func (c *apiClient) lineage(ctx context.Context, projectID string) ([]*model.Version, error) {
	var vs []*model.Version
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/versions", nil, &vs)
	return vs, err
}

func (c *apiClient) sandbox(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	var s model.SandboxSession
	err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(projectID)+"/sandbox", nil, &s)
	return &s, err
}

func (c *apiClient) restore(ctx context.Context, projectID string) (*model.SandboxSession, error) {
	var s model.SandboxSession
	err := c.do(ctx, http.MethodPost, "/api/projects/"+url.PathEscape(projectID)+"/sandbox/restore", nil, &s)
	return &s, err
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID   string
	Name string
	Data []byte
}

// events opens the project event stream and calls fn for every event until
// fn returns false, the stream ends or ctx is done.
func (c *apiClient) events(ctx context.Context, projectID string, fn func(sseEvent) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/projects/"+url.PathEscape(projectID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode}
	}
	err = readSSE(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readSSE parses a text/event-stream body. Comment lines are ignored and
// multiple data lines are joined with newlines.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var ev sseEvent
	var data [][]byte
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				ev.Data = bytes.Join(data, []byte("\n"))
				if ev.Name == "" {
					ev.Name = "message"
				}
				if !fn(ev) {
					return nil
				}
			}
			ev, data = sseEvent{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Name = value
		case "data":
			data = append(data, []byte(value))
		}
	}
	return scanner.Err()
}
