package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/salesdash/internal/config"
	"github.com/raaihank/salesdash/internal/etl"
	"github.com/raaihank/salesdash/internal/ingest"
)

// fakeStarter replays events, or blocks until the run context is cancelled
// when block is set.
type fakeStarter struct {
	events    []etl.Event
	block     bool
	err       error
	cancelled chan struct{}
}

func (f *fakeStarter) Start(ctx context.Context, _ string) (<-chan etl.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan etl.Event, len(f.events))
	for _, e := range f.events {
		ch <- e
	}
	if !f.block {
		close(ch)
		return ch, nil
	}
	go func() {
		<-ctx.Done()
		close(f.cancelled)
		close(ch)
	}()
	return ch, nil
}

func newTestServer(t *testing.T, starter Starter, origins []string) (*httptest.Server, *Handler) {
	t.Helper()
	cfg := config.GetDefaults().WebSocket
	if origins != nil {
		cfg.AllowedOrigins = origins
	}
	h := NewHandler(starter, cfg, zap.NewNop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamsEventsThenCloses(t *testing.T) {
	starter := &fakeStarter{events: []etl.Event{
		{RunID: "r1", Kind: etl.KindCounted, TotalRows: 4, TotalBatches: 2},
		{RunID: "r1", Kind: etl.KindBatchDone, BatchIndex: 1, TotalBatches: 2, RowsSoFar: 2, TotalRows: 4, Percent: 50},
		{RunID: "r1", Kind: etl.KindFinished, RowsSoFar: 4, BatchesSoFar: 2},
	}}
	srv, _ := newTestServer(t, starter, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var kinds []etl.Kind
	for {
		var msg Message
		err := conn.ReadJSON(&msg)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
		if msg.Type != MessageProgress || msg.Event == nil {
			t.Fatalf("unexpected message %+v", msg)
		}
		kinds = append(kinds, msg.Event.Kind)
		if msg.Event.Kind == etl.KindBatchDone && msg.Text != "Processed batch 1 of 2 (2/4 rows, 50.0%)" {
			t.Errorf("text = %q", msg.Text)
		}
	}

	want := []etl.Kind{etl.KindCounted, etl.KindBatchDone, etl.KindFinished}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestDisconnectCancelsRun(t *testing.T) {
	starter := &fakeStarter{
		events:    []etl.Event{{RunID: "r1", Kind: etl.KindCounted}},
		block:     true,
		cancelled: make(chan struct{}),
	}
	srv, h := newTestServer(t, starter, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	conn.Close()

	select {
	case <-starter.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("run not cancelled after the client disconnected")
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.Stats().ActiveSessions != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if stats := h.Stats(); stats.ActiveSessions != 0 || stats.TotalSessions != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPingIsAnswered(t *testing.T) {
	starter := &fakeStarter{block: true, cancelled: make(chan struct{})}
	srv, _ := newTestServer(t, starter, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(ClientMessage{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != MessagePong {
		t.Errorf("type = %s", msg.Type)
	}
}

func TestRejections(t *testing.T) {
	t.Run("run in progress", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeStarter{err: ingest.ErrRunInProgress}, nil)
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusConflict {
			t.Errorf("response = %v", resp)
		}
	})

	t.Run("origin not allowed", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeStarter{}, []string{"http://dashboard.example"})
		header := http.Header{"Origin": []string{"http://elsewhere.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		if err == nil {
			t.Fatal("expected handshake failure")
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("response = %v", resp)
		}
	})

	t.Run("allowed origin", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeStarter{}, []string{"http://dashboard.example"})
		header := http.Header{"Origin": []string{"http://Dashboard.example"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		conn.Close()
	})

	t.Run("plain request", func(t *testing.T) {
		srv, _ := newTestServer(t, &fakeStarter{}, nil)
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}
