package httpexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalmerr/webpecker/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSink records pushed events.
type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
	active atomic.Bool
}

func newFakeSink() *fakeSink {
	s := &fakeSink{}
	s.active.Store(true)
	return s
}

func (s *fakeSink) Push(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSink) Active() bool { return s.active.Load() }

func (s *fakeSink) phases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.events {
		if p, ok := e.(events.LifecyclePhase); ok {
			names = append(names, p.Event)
		}
	}
	return names
}

func (s *fakeSink) phaseEvents() []events.LifecyclePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.LifecyclePhase
	for _, e := range s.events {
		if p, ok := e.(events.LifecyclePhase); ok {
			out = append(out, p)
		}
	}
	return out
}

// sleepyServer answers 200 after delay unless the client goes away first.
func sleepyServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestExecutor(opts Options) *Executor {
	opts.Logger = testLogger()
	return New(opts)
}

func TestExecutor_SuccessReportsStatusAndPhases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("body is drained, never inspected"))
	}))
	defer srv.Close()

	exec := newTestExecutor(Options{Timeout: 5 * time.Second})
	defer exec.Close()
	sink := newFakeSink()
	require.True(t, exec.AttachEventSink(sink))

	tag := events.Tag{ID: 4, Iteration: 2}
	code, err := exec.NewCall(srv.URL, tag).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, code)

	phases := sink.phases()
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseCallStart, phases[0])
	assert.Equal(t, PhaseCallEnd, phases[len(phases)-1])
	assert.Contains(t, phases, PhaseConnectStart)
	assert.Contains(t, phases, PhaseConnectEnd)
	assert.Contains(t, phases, PhaseConnectionAcquired)
	assert.Contains(t, phases, PhaseResponseHeadersStart)
	require.GreaterOrEqual(t, len(phases), 3)
	assert.Equal(t,
		[]string{PhaseResponseBodyEnd, PhaseConnectionReleased, PhaseCallEnd},
		phases[len(phases)-3:],
		"the connection is released after the body and before the call ends")

	for _, p := range sink.phaseEvents() {
		assert.Equal(t, tag, p.Tag, "tag must be echoed verbatim on %s", p.Event)
		assert.GreaterOrEqual(t, p.MsFromStart, int64(0))
		assert.NotZero(t, p.Time)
	}

	assert.Equal(t, 0, exec.Instrumentation().InFlight(), "call record must be released")
}

func TestExecutor_NoSinkNoPhases(t *testing.T) {
	srv := sleepyServer(t, 0)
	exec := newTestExecutor(Options{})
	defer exec.Close()

	code, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, exec.Instrumentation())
}

func TestExecutor_CallTimeout(t *testing.T) {
	srv := sleepyServer(t, 2*time.Second)
	exec := newTestExecutor(Options{Timeout: 30 * time.Millisecond})
	defer exec.Close()
	sink := newFakeSink()
	require.True(t, exec.AttachEventSink(sink))

	_, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.NotErrorIs(t, err, ErrCanceled)

	phases := sink.phases()
	assert.Equal(t, PhaseCallFailed, phases[len(phases)-1])
	assert.Equal(t, 0, exec.Instrumentation().InFlight())
}

func TestExecutor_ReadTimeoutIsNetTimeout(t *testing.T) {
	srv := sleepyServer(t, 2*time.Second)
	exec := newTestExecutor(Options{ReadTimeout: 30 * time.Millisecond})
	defer exec.Close()

	_, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCallTimeout)
	assert.NotErrorIs(t, err, ErrCanceled)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

// stallingBodyServer sends headers and the first body byte, then stalls
// until the client goes away or the test ends.
func stallingBodyServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	// runs before srv.Close so the handler can return
	t.Cleanup(func() { close(release) })
	return srv
}

func TestExecutor_StalledBodyHitsReadTimeout(t *testing.T) {
	srv := stallingBodyServer(t)
	exec := newTestExecutor(Options{Timeout: 0, ReadTimeout: 50 * time.Millisecond})
	defer exec.Close()
	sink := newFakeSink()
	require.True(t, exec.AttachEventSink(sink))

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
		done <- result{code, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked on a stalled body after 2s with a 50ms read timeout")
	}

	require.Error(t, res.err)
	assert.Equal(t, http.StatusOK, res.code)
	assert.NotErrorIs(t, res.err, ErrCallTimeout)
	assert.NotErrorIs(t, res.err, ErrCanceled)

	var netErr net.Error
	require.ErrorAs(t, res.err, &netErr)
	assert.True(t, netErr.Timeout())

	phases := sink.phases()
	assert.Equal(t, PhaseCallFailed, phases[len(phases)-1])
	assert.NotContains(t, phases, PhaseResponseBodyEnd)
	assert.Equal(t, 0, exec.Instrumentation().InFlight(), "call record must be released")
}

func TestExecutor_SlowBodyWithinReadTimeout(t *testing.T) {
	// each chunk arrives well inside the read timeout, the whole body does not
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 5; i++ {
			_, _ = w.Write([]byte("chunk"))
			w.(http.Flusher).Flush()
			time.Sleep(40 * time.Millisecond)
		}
	}))
	defer srv.Close()

	exec := newTestExecutor(Options{Timeout: 0, ReadTimeout: 150 * time.Millisecond})
	defer exec.Close()

	code, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
}

func TestExecutor_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	exec := newTestExecutor(Options{Timeout: 5 * time.Second})
	defer exec.Close()

	_, err = exec.NewCall("http://"+addr, events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCallTimeout)
	assert.NotErrorIs(t, err, ErrCanceled)
}

func TestExecutor_InvalidURL(t *testing.T) {
	exec := newTestExecutor(Options{})
	sink := newFakeSink()
	require.True(t, exec.AttachEventSink(sink))

	_, err := exec.NewCall("://bad url", events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, exec.Instrumentation().InFlight())
}

func TestCall_CancelInFlight(t *testing.T) {
	srv := sleepyServer(t, 5*time.Second)
	exec := newTestExecutor(Options{})
	defer exec.Close()
	sink := newFakeSink()
	require.True(t, exec.AttachEventSink(sink))

	call := exec.NewCall(srv.URL, events.Tag{ID: 9, Iteration: 1})
	errCh := make(chan error, 1)
	go func() {
		_, err := call.Execute(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return exec.Instrumentation().InFlight() == 1
	}, time.Second, 5*time.Millisecond)
	call.Cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call did not return")
	}

	phases := sink.phases()
	assert.Equal(t, PhaseCanceled, phases[len(phases)-1])
	assert.Equal(t, 0, exec.Instrumentation().InFlight())
}

func TestCall_CancelBeforeExecute(t *testing.T) {
	exec := newTestExecutor(Options{})
	call := exec.NewCall("http://127.0.0.1:1", events.Tag{ID: 1, Iteration: 1})
	call.Cancel()

	_, err := call.Execute(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = call.Execute(context.Background())
	assert.Error(t, err, "second Execute must fail")
}

func TestCall_ContextCancelIsCancellation(t *testing.T) {
	srv := sleepyServer(t, 5*time.Second)
	exec := newTestExecutor(Options{})
	defer exec.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1}).Execute(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.NotErrorIs(t, err, ErrCallTimeout)
}

func TestExecutor_SetTimeoutAffectsOnlyNewCalls(t *testing.T) {
	srv := sleepyServer(t, 100*time.Millisecond)
	exec := newTestExecutor(Options{})
	defer exec.Close()

	before := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1})
	exec.SetTimeout(20 * time.Millisecond)
	after := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 2})

	assert.Equal(t, 20*time.Millisecond, exec.Timeout())

	code, err := before.Execute(context.Background())
	require.NoError(t, err, "call created before the change keeps the old timeout")
	assert.Equal(t, http.StatusOK, code)

	_, err = after.Execute(context.Background())
	assert.ErrorIs(t, err, ErrCallTimeout)

	exec.SetTimeout(-time.Second)
	assert.Equal(t, time.Duration(0), exec.Timeout())
}

func TestExecutor_AttachRefusesActiveSink(t *testing.T) {
	exec := newTestExecutor(Options{})
	first := newFakeSink()
	second := newFakeSink()

	require.True(t, exec.AttachEventSink(first))
	v := exec.Version()
	assert.True(t, exec.AttachEventSink(first), "same sink is accepted")
	assert.Equal(t, v, exec.Version(), "re-attaching does not install a new config")
	assert.False(t, exec.AttachEventSink(second), "active sink must not be replaced")
	assert.False(t, exec.AttachEventSink(nil))

	first.active.Store(false)
	assert.True(t, exec.AttachEventSink(second))

	exec.DetachEventSink(first) // not attached, no-op
	assert.NotNil(t, exec.Instrumentation())

	exec.DetachEventSink(second)
	assert.Nil(t, exec.Instrumentation())
}

func TestExecutor_VersionGrowsPerChange(t *testing.T) {
	exec := newTestExecutor(Options{})
	v := exec.Version()

	exec.SetTimeout(time.Second)
	exec.ResetConnectionPool()
	require.True(t, exec.AttachEventSink(newFakeSink()))

	assert.Equal(t, v+3, exec.Version())
}

func TestExecutor_ResetConnectionPoolKeepsWorking(t *testing.T) {
	srv := sleepyServer(t, 0)
	exec := newTestExecutor(Options{Timeout: 5 * time.Second})
	defer exec.Close()

	_, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 1}).Execute(context.Background())
	require.NoError(t, err)

	exec.ResetConnectionPool()
	assert.Equal(t, 5*time.Second, exec.Timeout(), "reset keeps the timeout")

	code, err := exec.NewCall(srv.URL, events.Tag{ID: 1, Iteration: 2}).Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
}

func TestExecutor_ConcurrentReconfigureAndCalls(t *testing.T) {
	srv := sleepyServer(t, time.Millisecond)
	exec := newTestExecutor(Options{Timeout: 5 * time.Second})
	defer exec.Close()
	sink := newFakeSink()
	require.True(t, exec.AttachEventSink(sink))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := exec.NewCall(srv.URL, events.Tag{ID: w, Iteration: uint32(i)}).Execute(context.Background())
				if err != nil && !errors.Is(err, ErrCallTimeout) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			exec.SetTimeout(time.Duration(5+i) * time.Second)
			if i%5 == 0 {
				exec.ResetConnectionPool()
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, exec.Instrumentation().InFlight())
}
