package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	v1 "github.com/jinyphp/chat-sub001/shared/contracts/stream/v1"
)

// SSESink writes envelopes as text/event-stream events.
//
// Headers are sent with the first envelope, so a caller can still answer with a
// plain HTTP error when the stream cannot be opened.
type SSESink struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	retry        time.Duration

	mu      sync.Mutex
	started bool
}

// NewSSESink wraps w. retry is the reconnect delay advertised to EventSource clients.
func NewSSESink(w http.ResponseWriter, writeTimeout, retry time.Duration) *SSESink {
	return &SSESink{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		retry:        retry,
	}
}

func (s *SSESink) start() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	if s.retry > 0 {
		if _, err := fmt.Fprintf(s.w, "retry: %d\n\n", s.retry.Milliseconds()); err != nil {
			return err
		}
	}
	s.started = true
	return nil
}

// Send writes one event and flushes it.
func (s *SSESink) Send(ctx context.Context, env v1.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if !s.started {
		if err := s.start(); err != nil {
			return err
		}
	}
	if env.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", env.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", env.Type, b); err != nil {
		return err
	}
	return s.rc.Flush()
}
