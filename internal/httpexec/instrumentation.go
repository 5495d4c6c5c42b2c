package httpexec

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/jpalmerr/webpecker/internal/events"
	"github.com/jpalmerr/webpecker/internal/metrics"
)

// Phase names carried in [events.LifecyclePhase.Event].
const (
	PhaseCallStart            = "callStart"
	PhaseDNSStart             = "dnsStart"
	PhaseDNSEnd               = "dnsEnd"
	PhaseConnectStart         = "connectStart"
	PhaseConnectEnd           = "connectEnd"
	PhaseConnectFailed        = "connectFailed"
	PhaseSecureConnectStart   = "secureConnectStart"
	PhaseSecureConnectEnd     = "secureConnectEnd"
	PhaseConnectionAcquired   = "connectionAcquired"
	PhaseRequestHeadersEnd    = "requestHeadersEnd"
	PhaseRequestEnd           = "requestEnd"
	PhaseRequestFailed        = "requestFailed"
	PhaseResponseHeadersStart = "responseHeadersStart"
	PhaseResponseHeadersEnd   = "responseHeadersEnd"
	PhaseResponseBodyStart    = "responseBodyStart"
	PhaseResponseBodyEnd      = "responseBodyEnd"
	PhaseConnectionReleased   = "connectionReleased"
	PhaseCallEnd              = "callEnd"
	PhaseCallFailed           = "callFailed"
	PhaseCanceled             = "canceled"
)

type callRecord struct {
	tag       events.Tag
	startedAt time.Time
}

// Instrumentation turns transport phase transitions of in-flight calls into
// [events.LifecyclePhase] events.
//
// Each call is registered by Start and released by End. Phases reported for
// a call that is not registered (never started, or already released) are
// ignored; the transport may still report dial progress after a call
// has been abandoned.
type Instrumentation struct {
	sink    events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	inflight map[uint64]callRecord
}

// NewInstrumentation creates an observer publishing to sink.
func NewInstrumentation(sink events.Publisher, m *metrics.Metrics) *Instrumentation {
	return &Instrumentation{
		sink:     sink,
		metrics:  m,
		now:      time.Now,
		inflight: make(map[uint64]callRecord),
	}
}

// Start registers call id and emits callStart.
func (in *Instrumentation) Start(id uint64, tag events.Tag) {
	if in == nil {
		return
	}
	now := in.now()
	in.mu.Lock()
	in.inflight[id] = callRecord{tag: tag, startedAt: now}
	in.mu.Unlock()

	in.emit(tag, PhaseCallStart, now, 0)
}

// Phase emits a non-terminal phase for call id.
func (in *Instrumentation) Phase(id uint64, name string) {
	if in == nil {
		return
	}
	now := in.now()
	in.mu.Lock()
	rec, ok := in.inflight[id]
	in.mu.Unlock()
	if !ok {
		return
	}
	in.emit(rec.tag, name, now, now.Sub(rec.startedAt).Milliseconds())
}

// End emits a terminal phase for call id and releases its record.
func (in *Instrumentation) End(id uint64, name string) {
	if in == nil {
		return
	}
	now := in.now()
	in.mu.Lock()
	rec, ok := in.inflight[id]
	delete(in.inflight, id)
	in.mu.Unlock()
	if !ok {
		return
	}
	elapsed := now.Sub(rec.startedAt).Milliseconds()
	in.metrics.ObserveCall(elapsed)
	in.emit(rec.tag, name, now, elapsed)
}

// InFlight returns the number of registered calls.
func (in *Instrumentation) InFlight() int {
	if in == nil {
		return 0
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.inflight)
}

func (in *Instrumentation) emit(tag events.Tag, name string, at time.Time, elapsedMs int64) {
	in.sink.Push(events.LifecyclePhase{
		Tag:         tag,
		Event:       name,
		Time:        at.UnixMilli(),
		MsFromStart: elapsedMs,
	})
}

// trace builds the httptrace hooks for call id. Returns nil when in is nil.
func (in *Instrumentation) trace(id uint64) *httptrace.ClientTrace {
	if in == nil {
		return nil
	}
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { in.Phase(id, PhaseDNSStart) },
		DNSDone:  func(httptrace.DNSDoneInfo) { in.Phase(id, PhaseDNSEnd) },
		ConnectStart: func(string, string) {
			in.Phase(id, PhaseConnectStart)
		},
		ConnectDone: func(_, _ string, err error) {
			if err != nil {
				in.Phase(id, PhaseConnectFailed)
				return
			}
			in.Phase(id, PhaseConnectEnd)
		},
		TLSHandshakeStart: func() { in.Phase(id, PhaseSecureConnectStart) },
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			in.Phase(id, PhaseSecureConnectEnd)
		},
		GotConn:      func(httptrace.GotConnInfo) { in.Phase(id, PhaseConnectionAcquired) },
		WroteHeaders: func() { in.Phase(id, PhaseRequestHeadersEnd) },
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err != nil {
				in.Phase(id, PhaseRequestFailed)
				return
			}
			in.Phase(id, PhaseRequestEnd)
		},
		GotFirstResponseByte: func() { in.Phase(id, PhaseResponseHeadersStart) },
	}
}
