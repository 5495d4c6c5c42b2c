package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// StartMockTarget runs an HTTP server with endpoints that exercise every
// probe outcome:
//   - /ok answers 200 after 10-60ms
//   - /slow?ms=N answers 200 after N milliseconds (default 900)
//   - /flaky answers 200, 500 or 503 at random
//   - /hang never answers until the client gives up
//
// Call this in a goroutine before submitting probes.
func StartMockTarget(addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(10+rand.Intn(50)) * time.Millisecond)
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
		if err != nil || ms < 0 {
			ms = 900
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			fmt.Fprintln(w, "slow")
		case <-r.Context().Done():
		}
	})

	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		codes := []int{http.StatusOK, http.StatusOK, http.StatusInternalServerError, http.StatusServiceUnavailable}
		w.WriteHeader(codes[rand.Intn(len(codes))])
	})

	mux.HandleFunc("/hang", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	slog.Info("mock target listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mock target failed", "error", err)
	}
}
