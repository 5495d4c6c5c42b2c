package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/webpecker/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeControl is a control socket that rejects the first `busy` sessions
// with 1013 and then answers a submission with a scripted event stream.
type fakeControl struct {
	busy     int32
	sessions atomic.Int32
	commands chan server.Command
	events   [][]map[string]any
}

func (f *fakeControl) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if f.sessions.Add(1) <= f.busy {
		// drain the submission so the close frame is not lost to a reset
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"), time.Now().Add(time.Second))
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := server.ParseCommand(data)
		if err != nil {
			continue
		}
		f.commands <- cmd
		if cmd.Action != server.ActionSendRequest {
			continue
		}
		for _, batch := range f.events {
			payload, _ := json.Marshal(batch)
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/req"
}

func scriptedRun() [][]map[string]any {
	return [][]map[string]any{
		{{"delay": 100, "maxConcurrent": 3, "timeout": 600, "repeat": 2}},
		{{"id": 7, "state": "running"}, {"id": 8, "state": "running"}},
		{{"id": 7, "iteration": 1, "event": "callStart", "time": 1, "msFromStart": 0}},
		{{"id": 7, "iteration": 1, "result": "200"}, {"id": 7, "iteration": 2, "result": "timeout"}},
		{{"id": 7, "state": "done"}},
		{{"id": 7, "iteration": 3, "result": "never printed"}},
	}
}

func TestProbe_PrintsUntilDone(t *testing.T) {
	fake := &fakeControl{commands: make(chan server.Command, 8), events: scriptedRun()}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	var out bytes.Buffer
	req := probeRequest{server: wsURL(srv), id: 7, url: "https://example.com", repeat: 2}
	if err := probeWithRetry(context.Background(), req, 5*time.Second, &out, discardLogger()); err != nil {
		t.Fatalf("probeWithRetry() error = %v", err)
	}

	cmd := <-fake.commands
	if cmd.Action != server.ActionSendRequest || *cmd.ID != 7 || cmd.URL != "https://example.com" || *cmd.Repeat != 2 {
		t.Errorf("submitted command = %+v", cmd)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		`{"id":7,"state":"running"}`,
		`{"id":7,"iteration":1,"result":"200"}`,
		`{"id":7,"iteration":2,"result":"timeout"}`,
		`{"id":7,"state":"done"}`,
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("output =\n%s\nwant\n%s", out.String(), strings.Join(want, "\n"))
	}
}

func TestProbe_PhasesFlag(t *testing.T) {
	fake := &fakeControl{commands: make(chan server.Command, 8), events: scriptedRun()}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	var out bytes.Buffer
	req := probeRequest{server: wsURL(srv), id: 7, url: "https://example.com", repeat: 2, phases: true}
	if err := probeWithRetry(context.Background(), req, 5*time.Second, &out, discardLogger()); err != nil {
		t.Fatalf("probeWithRetry() error = %v", err)
	}

	if !strings.Contains(out.String(), `"event":"callStart"`) {
		t.Errorf("expected phase events in output, got: %s", out.String())
	}
}

func TestProbe_RetriesBusyServer(t *testing.T) {
	fake := &fakeControl{busy: 2, commands: make(chan server.Command, 8), events: scriptedRun()}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	var out bytes.Buffer
	req := probeRequest{server: wsURL(srv), id: 7, url: "https://example.com", repeat: 2}
	if err := probeWithRetry(context.Background(), req, 10*time.Second, &out, discardLogger()); err != nil {
		t.Fatalf("probeWithRetry() error = %v", err)
	}

	if got := fake.sessions.Load(); got != 3 {
		t.Errorf("sessions = %d, want 3", got)
	}
	if !strings.Contains(out.String(), `"state":"done"`) {
		t.Errorf("expected the probe to finish, got: %s", out.String())
	}
}

func TestProbe_GivesUpWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := wsURL(srv)
	srv.Close()

	req := probeRequest{server: addr, id: 1, url: "https://example.com", repeat: 1}
	start := time.Now()
	err := probeWithRetry(context.Background(), req, 500*time.Millisecond, io.Discard, discardLogger())
	if err == nil {
		t.Fatal("probeWithRetry() expected error for unreachable server, got nil")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("gave up after %s, want roughly max-wait", time.Since(start))
	}
}

func TestProbe_WrongPathIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	req := probeRequest{server: wsURL(srv), id: 1, url: "https://example.com", repeat: 1}
	err := probeWithRetry(context.Background(), req, time.Minute, io.Discard, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected a 404 error without retrying, got: %v", err)
	}
}

func TestProbe_CancelSendsCancelRequest(t *testing.T) {
	// the stream never reaches a terminal state
	fake := &fakeControl{
		commands: make(chan server.Command, 8),
		events:   [][]map[string]any{{{"id": 3, "state": "running"}}},
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		req := probeRequest{server: wsURL(srv), id: 3, url: "https://example.com", repeat: 100}
		done <- probeWithRetry(ctx, req, 5*time.Second, io.Discard, discardLogger())
	}()

	if cmd := <-fake.commands; cmd.Action != server.ActionSendRequest {
		t.Fatalf("first command = %q, want send-request", cmd.Action)
	}
	cancel()

	select {
	case cmd := <-fake.commands:
		if cmd.Action != server.ActionCancelRequest || cmd.ID == nil || *cmd.ID != 3 {
			t.Errorf("second command = %+v, want cancel-request for id 3", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no cancel-request after interrupt")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("probeWithRetry() error = %v, want nil on interrupt", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("probeWithRetry() did not return after interrupt")
	}
}
