package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasalmeidadh/lemeai-sync/internal/hub"
	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// fakeHubServer speaks just enough of the SignalR JSON protocol for the
// client: negotiate over HTTP, then 0x1e-terminated JSON records over a
// websocket.
type fakeHubServer struct {
	t          *testing.T
	srv        *httptest.Server
	upgrader   websocket.Upgrader
	negotiates atomic.Int32
	slowNeg    time.Duration

	mu          sync.Mutex
	negGate     chan struct{}
	conn        *websocket.Conn
	invocations []string
}

func newFakeHubServer(t *testing.T) *fakeHubServer {
	f := &fakeHubServer{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/chatHub/negotiate", f.handleNegotiate)
	mux.HandleFunc("/chatHub", f.handleWebsocket)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHubServer) url() string { return f.srv.URL + "/chatHub" }

// gateNegotiate blocks every subsequent negotiate until the returned channel
// is closed.
func (f *fakeHubServer) gateNegotiate() chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.negGate = ch
	f.mu.Unlock()
	return ch
}

// dropConn closes the server side of the websocket to simulate a transport
// failure.
func (f *fakeHubServer) dropConn() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *fakeHubServer) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	f.negotiates.Add(1)
	if f.slowNeg > 0 {
		time.Sleep(f.slowNeg)
	}
	f.mu.Lock()
	gate := f.negGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"connectionId": "test-conn"})
}

func (f *fakeHubServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	// Handshake: read the client's protocol record, acknowledge with "{}".
	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, []byte("{}\x1e"))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, rec := range strings.Split(string(data), "\x1e") {
			if rec == "" {
				continue
			}
			var msg struct {
				Type         int    `json:"type"`
				InvocationID string `json:"invocationId"`
				Target       string `json:"target"`
			}
			if err := json.Unmarshal([]byte(rec), &msg); err != nil {
				f.t.Logf("fake hub: bad record %q: %v", rec, err)
				continue
			}
			if msg.Type != 1 {
				continue
			}
			f.mu.Lock()
			f.invocations = append(f.invocations, msg.Target)
			f.mu.Unlock()

			completion := map[string]any{"type": 3, "invocationId": msg.InvocationID}
			if msg.Target == "AlwaysFails" {
				completion["error"] = "no such group"
			}
			out, _ := json.Marshal(completion)
			conn.WriteMessage(websocket.TextMessage, append(out, 0x1e))
		}
	}
}

// push sends a server-side invocation record to the connected client.
func (f *fakeHubServer) push(target string, args ...any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, conn, "no websocket connection to push on")
	out, err := json.Marshal(map[string]any{"type": 1, "target": target, "arguments": args})
	require.NoError(f.t, err)
	require.NoError(f.t, conn.WriteMessage(websocket.TextMessage, append(out, 0x1e)))
}

func (f *fakeHubServer) invocationTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invocations...)
}

func connectedClient(t *testing.T, f *fakeHubServer) *hub.Client {
	t.Helper()
	c, err := hub.NewClient(f.url())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func TestNewClientRejectsBadURLs(t *testing.T) {
	_, err := hub.NewClient("")
	assert.Error(t, err)
	_, err = hub.NewClient("ftp://example.com/chatHub")
	assert.Error(t, err)
}

func TestConnectDedupesConcurrentCallers(t *testing.T) {
	f := newFakeHubServer(t)
	f.slowNeg = 50 * time.Millisecond
	c, err := hub.NewClient(f.url())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.negotiates.Load(), "concurrent callers must share one connection attempt")
	assert.Equal(t, hub.Connected, c.State())

	// A further call on an established connection is a no-op.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(1), f.negotiates.Load())
}

func TestConnectFailureAllowsRetry(t *testing.T) {
	f := newFakeHubServer(t)
	c, err := hub.NewClient(f.url())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	f.srv.Close()
	require.Error(t, c.Connect(ctx))
	assert.Equal(t, hub.Disconnected, c.State())
}

func TestInvoke(t *testing.T) {
	t.Run("FailsFastWhenDisconnected", func(t *testing.T) {
		c, err := hub.NewClient("http://127.0.0.1:1/chatHub")
		require.NoError(t, err)
		err = c.Invoke(context.Background(), "JoinConversationGroup", int64(1))
		assert.ErrorIs(t, err, models.ErrNotConnected)
	})

	t.Run("RoundTripsCompletion", func(t *testing.T) {
		f := newFakeHubServer(t)
		c := connectedClient(t, f)

		require.NoError(t, c.Invoke(context.Background(), "JoinConversationGroup", int64(42)))
		assert.Equal(t, []string{"JoinConversationGroup"}, f.invocationTargets())
	})

	t.Run("SurfacesServerError", func(t *testing.T) {
		f := newFakeHubServer(t)
		c := connectedClient(t, f)

		err := c.Invoke(context.Background(), "AlwaysFails")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such group")
	})
}

func TestOnDispatchAndOff(t *testing.T) {
	f := newFakeHubServer(t)
	c := connectedClient(t, f)

	first := make(chan string, 4)
	second := make(chan string, 4)
	decode := func(args []json.RawMessage) string {
		var s string
		if len(args) > 0 {
			json.Unmarshal(args[0], &s)
		}
		return s
	}
	subA := c.On("ReceiveNewMessage", func(args []json.RawMessage) { first <- decode(args) })
	subB := c.On("ReceiveNewMessage", func(args []json.RawMessage) { second <- decode(args) })
	defer subB.Off()

	f.push("ReceiveNewMessage", "one")
	assert.Equal(t, "one", waitFor(t, first))
	assert.Equal(t, "one", waitFor(t, second))

	// Removing one subscription leaves the other intact.
	subA.Off()
	f.push("ReceiveNewMessage", "two")
	assert.Equal(t, "two", waitFor(t, second))
	select {
	case got := <-first:
		t.Fatalf("removed handler still received %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectDuringConnectWins(t *testing.T) {
	f := newFakeHubServer(t)
	gate := f.gateNegotiate()
	c, err := hub.NewClient(f.url())
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return f.negotiates.Load() == 1 }, 3*time.Second, 5*time.Millisecond)

	// The teardown arrives while the dial is still in flight.
	c.Disconnect()
	close(gate)

	require.Error(t, waitFor(t, done))
	assert.Equal(t, hub.Disconnected, c.State())

	// The freshly dialed socket must not come alive after the fact.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, hub.Disconnected, c.State())
}

func TestConnectDuringReconnectJoinsAttempt(t *testing.T) {
	f := newFakeHubServer(t)
	c := connectedClient(t, f)
	require.Equal(t, int32(1), f.negotiates.Load())

	gate := f.gateNegotiate()
	f.dropConn()
	// The internal reconnect is now parked inside its negotiate.
	require.Eventually(t, func() bool { return f.negotiates.Load() == 2 }, 3*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	time.Sleep(100 * time.Millisecond)
	close(gate)

	require.NoError(t, waitFor(t, done))
	assert.Equal(t, hub.Connected, c.State())
	assert.Equal(t, int32(2), f.negotiates.Load(), "a caller during reconnect must not dial a second socket")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFakeHubServer(t)
	c := connectedClient(t, f)

	states := make(chan hub.State, 4)
	sub := c.OnStateChange(func(s hub.State) { states <- s })
	defer sub.Off()

	c.Disconnect()
	assert.Equal(t, hub.Disconnected, c.State())
	assert.Equal(t, hub.Disconnected, waitFor(t, states))

	c.Disconnect()
	assert.Equal(t, hub.Disconnected, c.State())
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for value")
		panic("unreachable")
	}
}
