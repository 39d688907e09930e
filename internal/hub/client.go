package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// State is the connection lifecycle of the hub client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the arguments of a server-pushed invocation.
type Handler func(args []json.RawMessage)

// Client owns the single realtime connection of the process. It is built
// explicitly and injected where needed; there is no package-level instance.
// Event handlers registered with On persist across automatic reconnects.
type Client struct {
	hubURL string
	rest   *resty.Client

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	inflight  *connectAttempt
	closed    bool
	handlers  map[string]map[uint64]Handler
	stateSubs map[uint64]func(State)
	pending   map[string]chan serverMessage
	nextSubID uint64

	// writeMu serializes websocket writes (invokes, pings, handshake).
	writeMu sync.Mutex

	pingInterval time.Duration
}

// connectAttempt is shared by every caller that arrives while a connect is in
// flight, so concurrent Connect calls resolve together with one outcome.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// errClosed resolves connect attempts overtaken by a Disconnect.
var errClosed = errors.New("hub client closed")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient reuses an existing resty client (and its session cookies)
// for the negotiate request.
func WithHTTPClient(rest *resty.Client) Option {
	return func(c *Client) { c.rest = rest }
}

// WithPingInterval overrides the keepalive ping cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// NewClient creates a hub client for the given hub URL (API base + /chatHub).
func NewClient(hubURL string, opts ...Option) (*Client, error) {
	if hubURL == "" {
		return nil, fmt.Errorf("hub URL cannot be empty")
	}
	if _, err := websocketURL(hubURL); err != nil {
		return nil, err
	}
	c := &Client{
		hubURL:       hubURL,
		handlers:     make(map[string]map[uint64]Handler),
		stateSubs:    make(map[uint64]func(State)),
		pending:      make(map[string]chan serverMessage),
		pingInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rest == nil {
		c.rest = resty.New().SetTimeout(10 * time.Second)
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether invokes may be issued right now.
func (c *Client) Connected() bool {
	return c.State() == Connected
}

// Connect establishes the realtime connection. It is idempotent: when already
// connected it returns immediately, and concurrent callers while a connect is
// in flight all wait on the same attempt instead of dialing twice. A failed
// attempt clears the in-flight state so a later call can retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if att := c.inflight; att != nil {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-att.done:
			return att.err
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	c.inflight = att
	c.state = Connecting
	c.closed = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	var abandoned *websocket.Conn
	c.mu.Lock()
	if err == nil && c.closed {
		// Disconnect arrived while we were dialing; it wins, and the fresh
		// socket must not survive it.
		abandoned = conn
		err = errClosed
	}
	att.err = err
	c.inflight = nil
	if err != nil {
		c.state = Disconnected
	} else {
		c.state = Connected
		c.conn = conn
	}
	c.mu.Unlock()
	close(att.done)
	if abandoned != nil {
		abandoned.Close()
	}

	if err != nil {
		log.Error().Err(err).Str("hubURL", c.hubURL).Msg("Hub connection failed")
		return err
	}

	log.Info().Str("hubURL", c.hubURL).Msg("Hub connected")
	c.notifyState(Connected)
	go c.readLoop(conn)
	return nil
}

// Disconnect tears the connection down. Already disconnected is a no-op, and
// teardown errors are logged rather than returned.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == Disconnected && c.inflight == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = Disconnected
	conn := c.conn
	c.conn = nil
	c.failPendingLocked("connection closed")
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msg("Error while closing hub connection")
		}
	}
	log.Info().Msg("Hub disconnected")
	c.notifyState(Disconnected)
}

// On registers a handler for a named server-pushed event. Independent
// subscribers coexist; use the returned Subscription to remove exactly this
// registration when the owning scope goes away.
func (c *Client) On(event string, fn Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = fn
	return &Subscription{client: c, event: event, id: id}
}

// OnStateChange registers an observer for connection-state transitions.
func (c *Client) OnStateChange(fn func(State)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.stateSubs[id] = fn
	return &Subscription{client: c, id: id, stateSub: true}
}

// Subscription identifies one handler registration on the hub client.
type Subscription struct {
	client   *Client
	event    string
	id       uint64
	stateSub bool
}

// Off removes this registration. Other subscribers of the same event are not
// affected.
func (s *Subscription) Off() {
	if s == nil || s.client == nil {
		return
	}
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stateSub {
		delete(c.stateSubs, s.id)
		return
	}
	if m := c.handlers[s.event]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(c.handlers, s.event)
		}
	}
}

// Invoke calls a remote hub method and waits for its completion record. It
// fails fast with models.ErrNotConnected when the connection is not up; it
// never queues the call.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) error {
	c.mu.Lock()
	if c.state != Connected || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("cannot invoke %q: %w", method, models.ErrNotConnected)
	}
	conn := c.conn
	invocationID := uuid.NewString()
	ch := make(chan serverMessage, 1)
	c.pending[invocationID] = ch
	c.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	err := c.writeRecord(conn, clientInvocation{
		Type:         msgInvocation,
		InvocationID: invocationID,
		Target:       method,
		Arguments:    args,
	})
	if err != nil {
		c.removePending(invocationID)
		return fmt.Errorf("failed to invoke %q: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.removePending(invocationID)
		return ctx.Err()
	case completion := <-ch:
		if completion.Error != "" {
			return fmt.Errorf("invoke %q rejected by server: %s", method, completion.Error)
		}
		return nil
	}
}

func (c *Client) removePending(invocationID string) {
	c.mu.Lock()
	delete(c.pending, invocationID)
	c.mu.Unlock()
}

// failPendingLocked resolves every outstanding invoke with an error. Caller
// holds c.mu.
func (c *Client) failPendingLocked(reason string) {
	for id, ch := range c.pending {
		select {
		case ch <- serverMessage{Type: msgCompletion, Error: reason}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) notifyState(s State) {
	c.mu.Lock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// dial performs negotiate, the websocket dial, and the protocol handshake.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var neg negotiateResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("negotiateVersion", "1").
		SetResult(&neg).
		Post(c.hubURL + "/negotiate")
	if err != nil {
		return nil, fmt.Errorf("hub negotiate failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hub negotiate failed: status %s", resp.Status())
	}

	wsURL, err := websocketURL(c.hubURL)
	if err != nil {
		return nil, err
	}
	connectionID := neg.ConnectionToken
	if connectionID == "" {
		connectionID = neg.ConnectionID
	}
	if connectionID != "" {
		wsURL += "?id=" + url.QueryEscape(connectionID)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("hub websocket dial failed: %w", err)
	}

	if err := c.writeRecord(conn, handshakeRequest{Protocol: "json", Version: 1}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub handshake write failed: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub handshake read failed: %w", err)
	}
	records := splitRecords(data)
	if len(records) == 0 {
		conn.Close()
		return nil, fmt.Errorf("hub handshake returned no response")
	}
	var hs handshakeResponse
	if err := json.Unmarshal(records[0], &hs); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub handshake response invalid: %w", err)
	}
	if hs.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("hub handshake rejected: %s", hs.Error)
	}
	return conn, nil
}

func (c *Client) writeRecord(conn *websocket.Conn, v any) error {
	record, err := encodeRecord(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, record)
}

// readLoop consumes records until the connection drops, then hands over to
// the reconnect loop unless the drop was an intentional Disconnect.
func (c *Client) readLoop(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		for _, record := range splitRecords(data) {
			var msg serverMessage
			if err := json.Unmarshal(record, &msg); err != nil {
				log.Warn().Err(err).Msg("Hub sent an undecodable record")
				continue
			}
			switch msg.Type {
			case msgInvocation:
				c.dispatch(msg)
			case msgCompletion:
				c.complete(msg)
			case msgPing:
				// Keepalive; our own pings run on a separate ticker.
			case msgClose:
				log.Warn().Str("error", msg.Error).Bool("allowReconnect", msg.AllowReconnect).Msg("Hub sent close record")
				conn.Close()
			}
		}
	}
}

func (c *Client) dispatch(msg serverMessage) {
	c.mu.Lock()
	fns := make([]Handler, 0, len(c.handlers[msg.Target]))
	for _, fn := range c.handlers[msg.Target] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg.Arguments)
	}
}

func (c *Client) complete(msg serverMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.InvocationID]
	if ok {
		delete(c.pending, msg.InvocationID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeRecord(conn, pingMessage{Type: msgPing}); err != nil {
				return
			}
		}
	}
}

// handleDrop runs when the read loop loses the connection. In-flight invokes
// fail; handler registrations persist and keep working once the transport has
// reconnected.
func (c *Client) handleDrop(conn *websocket.Conn, cause error) {
	conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	// The reconnect is registered as the in-flight attempt so a concurrent
	// Connect joins it instead of dialing a second socket.
	att := &connectAttempt{done: make(chan struct{})}
	c.inflight = att
	c.state = Connecting
	c.conn = nil
	c.failPendingLocked("connection lost")
	c.mu.Unlock()

	log.Warn().Err(cause).Msg("Hub connection lost, reconnecting")
	c.reconnect(att)
}

func (c *Client) reconnect(att *connectAttempt) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		c.mu.Lock()
		if c.closed {
			c.state = Disconnected
			c.inflight = nil
			c.mu.Unlock()
			att.err = errClosed
			close(att.done)
			return
		}
		c.mu.Unlock()

		conn, err := c.dial(context.Background())
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.state = Disconnected
				c.inflight = nil
				c.mu.Unlock()
				conn.Close()
				att.err = errClosed
				close(att.done)
				return
			}
			c.state = Connected
			c.conn = conn
			c.inflight = nil
			c.mu.Unlock()
			close(att.done)
			log.Info().Msg("Hub reconnected")
			c.notifyState(Connected)
			go c.readLoop(conn)
			return
		}

		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("retryIn", wait).Msg("Hub reconnect attempt failed")
		time.Sleep(wait)
	}
}
