package websocket

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type fakeAdmitter struct {
	mu      sync.Mutex
	next    int
	touched map[string]int
}

func (f *fakeAdmitter) Admit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("conn-%d", f.next)
}

func (f *fakeAdmitter) Touch(connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[connectionID]++
}

type fakeDispatcher struct {
	mu          sync.Mutex
	messages    []string
	disconnects map[string]string
}

func (f *fakeDispatcher) Dispatch(connectionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, connectionID+":"+string(data))
	return nil
}

func (f *fakeDispatcher) Disconnect(connectionID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects[connectionID] = reason
}

func (f *fakeDispatcher) state() ([]string, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := make(map[string]string, len(f.disconnects))
	for k, v := range f.disconnects {
		d[k] = v
	}
	return append([]string(nil), f.messages...), d
}

type testServer struct {
	server     *httptest.Server
	transport  *Transport
	admitter   *fakeAdmitter
	dispatcher *fakeDispatcher
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	ts := &testServer{
		transport:  NewTransport(),
		admitter:   &fakeAdmitter{touched: make(map[string]int)},
		dispatcher: &fakeDispatcher{disconnects: make(map[string]string)},
	}
	handler := NewHandler(ts.admitter, ts.dispatcher, ts.transport, opts, zerolog.New(io.Discard))
	ts.server = httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.transport.CloseAll("test over")
		ts.server.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	waitFor(t, func() bool { return ts.transport.Count() > 0 })
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHandler_DispatchesTextFrames(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	client := ts.dial(t)

	for _, msg := range []string{`{"type":"heartbeat"}`, `{"type":"join_session"}`} {
		if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, func() bool {
		msgs, _ := ts.dispatcher.state()
		return len(msgs) == 2
	})
	msgs, _ := ts.dispatcher.state()
	if msgs[0] != `conn-1:{"type":"heartbeat"}` || msgs[1] != `conn-1:{"type":"join_session"}` {
		t.Errorf("unexpected dispatched messages: %v", msgs)
	}
}

func TestTransport_SendReachesClient(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	client := ts.dial(t)

	if err := ts.transport.Send("conn-1", []byte(`{"type":"session_joined"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"session_joined"}` {
		t.Errorf("unexpected frame: %s", data)
	}
}

func TestTransport_CloseFlushesThenSendsReason(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	client := ts.dial(t)

	_ = ts.transport.Send("conn-1", []byte(`{"type":"force_disconnect"}`))
	if err := ts.transport.Close("conn-1", "removed by presenter"); err != nil {
		t.Fatal(err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("queued frame lost on close: %v", err)
	}
	if string(data) != `{"type":"force_disconnect"}` {
		t.Errorf("unexpected frame: %s", data)
	}

	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "removed by presenter" {
		t.Errorf("unexpected close frame: %d %q", closeErr.Code, closeErr.Text)
	}

	if ts.transport.Count() != 0 {
		t.Error("closed connection still attached")
	}
	if err := ts.transport.Send("conn-1", []byte("x")); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("expected ErrConnectionNotFound after close, got %v", err)
	}
	if err := ts.transport.Close("conn-1", "again"); err != nil {
		t.Errorf("closing an unknown connection should not fail: %v", err)
	}
}

func TestHandler_ClientCloseDisconnects(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	client := ts.dial(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	waitFor(t, func() bool {
		_, d := ts.dispatcher.state()
		return d["conn-1"] != ""
	})
	if _, d := ts.dispatcher.state(); d["conn-1"] != ReasonClientClosed {
		t.Errorf("expected %q, got %q", ReasonClientClosed, d["conn-1"])
	}
}

func TestHandler_PongTouchesConnection(t *testing.T) {
	opts := DefaultOptions()
	opts.PingInterval = 10 * time.Millisecond
	ts := newTestServer(t, opts)
	client := ts.dial(t)

	// the client only answers pings while it reads
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitFor(t, func() bool {
		ts.admitter.mu.Lock()
		defer ts.admitter.mu.Unlock()
		return ts.admitter.touched["conn-1"] > 0
	})
}

func TestConnection_WriteAfterClose(t *testing.T) {
	ts := newTestServer(t, DefaultOptions())
	ts.dial(t)

	ts.transport.mu.RLock()
	conn := ts.transport.conns["conn-1"]
	ts.transport.mu.RUnlock()

	conn.Close("done")
	conn.Close("twice")
	if err := conn.Write([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not shut down")
	}
}
