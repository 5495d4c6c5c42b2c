package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/webpecker/internal/scheduler"
)

// Actions accepted on the control socket.
const (
	ActionResetHTTPClient = "reset-http-client"
	ActionRestoreState    = "restore-state"
	ActionSendRequest     = "send-request"
	ActionCancelRequest   = "cancel-request"
	ActionUpdateConfig    = "update-config"
)

var errUnknownAction = errors.New("unknown action")

// Command is an inbound control message. Delay and Timeout are milliseconds.
type Command struct {
	Action        string  `json:"action"`
	ID            *int    `json:"id,omitempty"`
	URL           string  `json:"url,omitempty"`
	Repeat        *uint32 `json:"repeat,omitempty"`
	Delay         *int64  `json:"delay,omitempty"`
	MaxConcurrent *int    `json:"maxConcurrent,omitempty"`
	Timeout       *int64  `json:"timeout,omitempty"`
}

// ParseCommand decodes one control message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	if cmd.Action == "" {
		return Command{}, errors.New("malformed command: missing action")
	}
	return cmd, nil
}

// delta converts the settings fields of an update-config command.
func (c Command) delta() scheduler.ConfigDelta {
	var d scheduler.ConfigDelta
	if c.Delay != nil {
		v := time.Duration(*c.Delay) * time.Millisecond
		d.Delay = &v
	}
	if c.Timeout != nil {
		v := time.Duration(*c.Timeout) * time.Millisecond
		d.Timeout = &v
	}
	d.MaxConcurrent = c.MaxConcurrent
	d.DefaultRepeat = c.Repeat
	return d
}

// dispatch applies cmd to the scheduler and executor.
func (s *Server) dispatch(cmd Command) error {
	switch cmd.Action {
	case ActionResetHTTPClient:
		s.executor.ResetConnectionPool()
	case ActionRestoreState:
		s.scheduler.Restore()
	case ActionSendRequest:
		if cmd.ID == nil || cmd.URL == "" {
			return errors.New("send-request requires id and url")
		}
		return s.scheduler.Submit(*cmd.ID, cmd.URL, cmd.Repeat)
	case ActionCancelRequest:
		s.scheduler.Cancel(cmd.ID)
	case ActionUpdateConfig:
		return s.scheduler.Reconfigure(cmd.delta())
	default:
		return fmt.Errorf("%w %q", errUnknownAction, cmd.Action)
	}
	return nil
}
