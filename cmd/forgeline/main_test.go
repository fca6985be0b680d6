package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/forgeline/internal/config"
	"github.com/jxucoder/forgeline/pkg/model"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", maskSecret("abcd"))
	assert.Equal(t, "************", maskSecret("abcdefghijkl"))
	assert.Equal(t, "sk-a*****6789", maskSecret("sk-ab12346789"))
}

func TestConfigFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FORGELINE_DATA_DIR", dir)

	values, err := loadConfigFile()
	require.NoError(t, err)
	assert.Empty(t, values)

	values["SLACK_BOT_TOKEN"] = "xoxb-1"
	values["ANTHROPIC_API_KEY"] = "sk-ant-2"
	values["ZZZ_EXTRA"] = "x"
	values["EMPTY"] = ""
	require.NoError(t, saveConfigFile(values))

	info, err := os.Stat(filepath.Join(dir, "config.env"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(config.FilePath())
	require.NoError(t, err)
	text := string(raw)
	assert.Less(t, strings.Index(text, "ANTHROPIC_API_KEY"), strings.Index(text, "SLACK_BOT_TOKEN"),
		"known keys keep display order")
	assert.Less(t, strings.Index(text, "SLACK_BOT_TOKEN"), strings.Index(text, "ZZZ_EXTRA"))
	assert.NotContains(t, text, "EMPTY")

	got, err := loadConfigFile()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"SLACK_BOT_TOKEN":   "xoxb-1",
		"ANTHROPIC_API_KEY": "sk-ant-2",
		"ZZZ_EXTRA":         "x",
	}, got)
}

func TestEffectiveValuePrefersEnvironment(t *testing.T) {
	t.Setenv("FORGELINE_DOCKER_IMAGE", "from-env")
	file := map[string]string{"FORGELINE_DOCKER_IMAGE": "from-file", "OTHER": "file"}
	assert.Equal(t, "from-env", effectiveValue("FORGELINE_DOCKER_IMAGE", file))
	assert.Equal(t, "file", effectiveValue("OTHER", file))
}

func TestWizardAskValueValidatesPrefix(t *testing.T) {
	var out bytes.Buffer
	w := newWizard(strings.NewReader("bad-key\nxoxb-good\n"), &out, map[string]string{})
	require.NoError(t, w.askValue(findKey("SLACK_BOT_TOKEN")))
	assert.Equal(t, "xoxb-good", w.fileValues["SLACK_BOT_TOKEN"])
	assert.Contains(t, out.String(), `expected prefix "xoxb-"`)
}

func TestWizardAskYesNoDefault(t *testing.T) {
	w := newWizard(strings.NewReader("\nyes\n"), &bytes.Buffer{}, nil)
	ok, err := w.askYesNo("Configure?", false)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = w.askYesNo("Configure?", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadSSE(t *testing.T) {
	body := ": comment\n" +
		"id: 1\nevent: reconcile\ndata: {\"a\":1}\n\n" +
		"data: line one\ndata: line two\n\n" +
		"event: complete\ndata: {}\n\n"

	var got []sseEvent
	require.NoError(t, readSSE(strings.NewReader(body), func(ev sseEvent) bool {
		got = append(got, ev)
		return true
	}))
	require.Len(t, got, 3)
	assert.Equal(t, sseEvent{ID: "1", Name: "reconcile", Data: []byte(`{"a":1}`)}, got[0])
	assert.Equal(t, "message", got[1].Name)
	assert.Equal(t, "line one\nline two", string(got[1].Data))
	assert.Equal(t, "complete", got[2].Name)
}

func TestReadSSEStopsWhenCallbackDeclines(t *testing.T) {
	body := "event: a\ndata: 1\n\nevent: b\ndata: 2\n\n"
	n := 0
	require.NoError(t, readSSE(strings.NewReader(body), func(sseEvent) bool {
		n++
		return false
	}))
	assert.Equal(t, 1, n)
}

func TestClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found"}`)
	}))
	defer srv.Close()

	_, err := newAPIClient(srv.URL).head(context.Background(), "missing")
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, "server returned 404: not found", err.Error())
}

// followServer scripts the endpoints used by submit --follow.
func followServer(t *testing.T, final model.RequestStatus) *httptest.Server {
	t.Helper()
	submitted := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/projects", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"site"}`)
	})
	mux.HandleFunc("GET /api/projects/site/events", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: reconcile\ndata: {\"project_id\":\"site\"}\n\n")
		flusher.Flush()

		select {
		case <-submitted:
		case <-r.Context().Done():
			return
		}
		events := []model.Event{
			{ProjectID: "site", RequestID: "other", Type: model.EventComplete},
			{ProjectID: "site", RequestID: "req-1", Type: model.EventStepStart, Step: "classify"},
			{ProjectID: "site", RequestID: "req-1", Type: model.EventFile, Data: "index.html"},
			{ProjectID: "site", RequestID: "req-1", Type: model.EventComplete},
		}
		if final != model.RequestComplete {
			events[3] = model.Event{ProjectID: "site", RequestID: "req-1", Type: model.EventError, Data: "boom"}
		}
		for i, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", i+2, ev.Type, data)
			flusher.Flush()
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /api/projects/site/requests", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"id":"req-1","project_id":"site","status":"queued"}`)
		close(submitted)
	})
	mux.HandleFunc("GET /api/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Request{ID: "req-1", ProjectID: "site", Status: final, Prompt: "build it"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitAndFollow(t *testing.T) {
	srv := followServer(t, model.RequestComplete)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, submitAndFollow(ctx, newAPIClient(srv.URL), &out, "site", "build it"))

	text := out.String()
	assert.Contains(t, text, "Request req-1 queued for site")
	assert.Contains(t, text, "[step:start] classify")
	assert.Contains(t, text, "[file] index.html")
	assert.Contains(t, text, "[complete]")
	assert.Contains(t, text, "Status:  complete")
	assert.NotContains(t, text, "other")
}

func TestSubmitAndFollowReportsFailure(t *testing.T) {
	srv := followServer(t, model.RequestFailed)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := submitAndFollow(ctx, newAPIClient(srv.URL), &out, "site", "build it")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out.String(), "[error] boom")
}

func TestPrintLineage(t *testing.T) {
	var out bytes.Buffer
	printLineage(&out, nil)
	assert.Equal(t, "No versions yet.\n", out.String())

	out.Reset()
	printLineage(&out, []*model.Version{
		{Number: 2, Name: "Add footer", OperationKind: model.OpModifyFile, Files: map[string]string{"a": "", "b": ""}},
		{Number: 1, Name: "Landing page", OperationKind: model.OpGenerateProject, Files: map[string]string{"a": ""}},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "v2"))
	assert.Contains(t, lines[2], "GENERATE_PROJECT")
}
