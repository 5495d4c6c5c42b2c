package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/webpecker/internal/server"
)

var (
	// errServerBusy means another client holds the control socket.
	errServerBusy = errors.New("server busy: another client is connected")

	// errNotSubmitted means the connection dropped before the server
	// acknowledged the probe with any event.
	errNotSubmitted = errors.New("probe not submitted")
)

// probeCmd submits one probe to a running server and prints its events.
var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Submit a probe to a running server",
	Long: `Connect to a running webpecker server, submit one probe and print
every event of that probe as a JSON line until it is done or cancelled.

Connection failures and a busy server are retried with exponential
backoff until --max-wait elapses. Ctrl+C cancels the probe on the server
before exiting.

Example:
  webpecker probe https://example.com --repeat 10
  webpecker probe https://example.com --server ws://10.0.0.5:8080/req --phases`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().String("server", "ws://localhost:8080/req", "control socket URL")
	probeCmd.Flags().Int("id", 1, "task id")
	probeCmd.Flags().Uint32("repeat", 1, "number of iterations")
	probeCmd.Flags().Bool("phases", false, "print transport phase events")
	probeCmd.Flags().Duration("max-wait", 30*time.Second, "give up connecting after this long")
}

// probeRequest is what one probe invocation needs.
type probeRequest struct {
	server string
	id     int
	url    string
	repeat uint32
	phases bool
}

func runProbe(cmd *cobra.Command, args []string) error {
	req := probeRequest{url: args[0]}
	req.server, _ = cmd.Flags().GetString("server")
	req.id, _ = cmd.Flags().GetInt("id")
	req.repeat, _ = cmd.Flags().GetUint32("repeat")
	req.phases, _ = cmd.Flags().GetBool("phases")
	maxWait, _ := cmd.Flags().GetDuration("max-wait")

	logger := newLogger(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return probeWithRetry(ctx, req, maxWait, cmd.OutOrStdout(), logger)
}

// probeWithRetry connects, streams one probe and reconnects on transient
// failures until maxWait elapses.
func probeWithRetry(ctx context.Context, req probeRequest, maxWait time.Duration, out io.Writer, logger *slog.Logger) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = maxWait
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	boff := backoff.WithContext(bo, ctx)

	op := func() error {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, req.server, nil)
		if err != nil {
			// a plain HTTP answer means the URL is wrong, not that the server is down
			if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
				return backoff.Permanent(fmt.Errorf("failed to connect to %s: %s", req.server, resp.Status))
			}
			return fmt.Errorf("failed to connect to %s: %w", req.server, err)
		}
		defer conn.Close()

		err = streamProbe(ctx, conn, req, out)
		if errors.Is(err, errServerBusy) || errors.Is(err, errNotSubmitted) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("retrying", "error", err, "wait", wait.String())
	}

	if err := backoff.RetryNotify(op, boff, notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return nil
}

// wireEvent holds the fields used to follow one task in a batch.
type wireEvent struct {
	ID     *int    `json:"id"`
	State  string  `json:"state"`
	Event  *string `json:"event"`
	Result *string `json:"result"`
}

// streamProbe submits the probe on conn and copies its events to out until
// the task reaches a terminal state. Cancelling ctx cancels the task on the
// server first.
func streamProbe(ctx context.Context, conn *websocket.Conn, req probeRequest, out io.Writer) error {
	id := req.id
	repeat := req.repeat
	submit := server.Command{Action: server.ActionSendRequest, ID: &id, URL: req.url, Repeat: &repeat}
	if err := conn.WriteJSON(submit); err != nil {
		return fmt.Errorf("%w: %v", errNotSubmitted, err)
	}

	// gorilla allows one concurrent writer, and the read loop below never writes
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteJSON(server.Command{Action: server.ActionCancelRequest, ID: &id})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
				return errServerBusy
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !received {
				return fmt.Errorf("%w: %v", errNotSubmitted, err)
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		received = true

		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("unexpected message: %w", err)
		}
		for _, raw := range batch {
			var ev wireEvent
			// state lists and settings are not per-task, skip them
			if err := json.Unmarshal(raw, &ev); err != nil || ev.ID == nil || *ev.ID != id {
				continue
			}
			if ev.Event != nil && !req.phases {
				continue
			}
			fmt.Fprintln(out, string(raw))
			if ev.Event == nil && ev.Result == nil && (ev.State == "done" || ev.State == "cancelled") {
				return nil
			}
		}
	}
}
