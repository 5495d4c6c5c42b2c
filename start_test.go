package webpecker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freePort asks the OS for a port that is free right now.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// waitForServer polls the state endpoint until the server answers.
func waitForServer(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/state", port))
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server on port %d did not come up", port)
}

// TestStart_BlocksUntilContextCancelled verifies that Start blocks until the
// provided context is cancelled.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	wp, err := New(WithPort(freePort(t)), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- wp.Start(ctx)
	}()

	waitForServer(t, wp.Port())

	// verify Start is still blocking (channel should be empty)
	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

// TestStart_ReturnsImmediatelyIfContextAlreadyCancelled verifies that Start
// returns immediately if the context is already cancelled.
func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	wp, err := New(WithPort(freePort(t)), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- wp.Start(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return with already-cancelled context")
	}
}

// TestStart_PortInUse verifies that a bind failure is reported and tears
// everything down.
func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	wp, err := New(WithPort(ln.Addr().(*net.TCPAddr).Port), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- wp.Start(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "failed to start HTTP server") {
			t.Errorf("expected start error, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after bind failure")
	}
}

// TestStart_EndToEnd drives a probe through the control socket.
func TestStart_EndToEnd(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	wp, err := New(
		WithPort(freePort(t)),
		WithDelay(0),
		WithTimeout(5*time.Second),
		WithFlushInterval(10*time.Millisecond),
		WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- wp.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	waitForServer(t, wp.Port())

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/req", wp.Port()), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	cmd := fmt.Sprintf(`{"action":"send-request","id":5,"url":%q,"repeat":3}`, target.URL)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		t.Fatalf("write error: %v", err)
	}

	var results []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error, results so far %v: %v", results, err)
		}
		var batch []map[string]any
		if err := json.Unmarshal(data, &batch); err != nil {
			t.Fatalf("unexpected batch %s: %v", data, err)
		}
		finished := false
		for _, ev := range batch {
			if r, ok := ev["result"].(string); ok {
				results = append(results, r)
			}
			if ev["state"] == "done" {
				finished = true
			}
		}
		if finished {
			break
		}
	}

	if strings.Join(results, ",") != "204,204,204" {
		t.Errorf("results = %v, want three 204s", results)
	}

	// metrics reflect the finished probe
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", wp.Port()))
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `webpecker_iterations_total{outcome="204"} 3`) {
		t.Errorf("expected iteration counter in metrics, got: %s", body)
	}
}
