package relay

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/wsrelay/internal/adapter/metrics"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

type written struct {
	messageType int
	data        []byte
}

// fakeTransport records writes. When block is set, every write waits until
// unblock or Close is called, which simulates a client that never reads.
type fakeTransport struct {
	mu          sync.Mutex
	writes      []written
	closed      bool
	closes      int
	block       bool
	released    chan struct{}
	releaseOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{released: make(chan struct{})}
}

func newBlockingTransport() *fakeTransport {
	ft := newFakeTransport()
	ft.block = true
	return ft
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	if block {
		<-f.released
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errTransportClosed
	}
	f.writes = append(f.writes, written{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closed = true
	f.releaseOnce.Do(func() { close(f.released) })
	return nil
}

func (f *fakeTransport) unblock() {
	f.releaseOnce.Do(func() { close(f.released) })
}

func (f *fakeTransport) dataFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if w.messageType == websocket.TextMessage || w.messageType == websocket.BinaryMessage {
			out = append(out, string(w.data))
		}
	}
	return out
}

func (f *fakeTransport) lastWrite() (written, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return written{}, false
	}
	return f.writes[len(f.writes)-1], true
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func newTestMetrics() *metrics.RelayMetrics {
	return metrics.NewRelayMetrics(prometheus.NewRegistry())
}

func testOptions() ConnectionOptions {
	return ConnectionOptions{
		QueueCapacity: 8,
		DrainTimeout:  500 * time.Millisecond,
		PingInterval:  time.Minute,
	}
}

func newOpenConnection(t *testing.T, transport Transport, opts ConnectionOptions, m *metrics.RelayMetrics) *Connection {
	t.Helper()
	conn := NewConnection(transport, "127.0.0.1:1234", opts, clockwork.NewRealClock(), m)
	conn.Start()
	t.Cleanup(func() { conn.Close("test done") })
	return conn
}

// newTestConnPair returns the server and client ends of a real WebSocket connection.
func newTestConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverConnCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case serverConn := <-serverConnCh:
		return serverConn, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil, nil
	}
}
