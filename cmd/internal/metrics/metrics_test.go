package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.MessageAppended()
	m.StoreError("append")
	m.EventPublished("message")
	m.EventsDropped(3)
	m.SessionOpened()
	m.SessionClosed("client")
	m.RelayError("publish")

	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestMetrics_HandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.MessageAppended()
	m.StoreError("append")
	m.EventPublished("message")
	m.EventsDropped(2)
	m.SessionOpened()
	m.SessionClosed("lifetime")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, want := range []string{
		"chat_messages_appended_total 1",
		`chat_store_errors_total{op="append"} 1`,
		`chat_bus_events_published_total{kind="message"} 1`,
		"chat_bus_events_dropped_total 2",
		"chat_stream_sessions_active 0",
		`chat_stream_sessions_closed_total{reason="lifetime"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
