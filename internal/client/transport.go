package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// InboundEvent is one server push with its payload left undecoded.
type InboundEvent struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

type EventHandler func(InboundEvent)

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultReconnectTry  = 10
	writeWait            = 10 * time.Second
	readWait             = 90 * time.Second
)

var ErrTransportClosed = errors.New("transport closed")

type TransportOptions struct {
	// URL is the websocket endpoint, e.g. ws://host/api/v1/ws.
	URL   string
	Token string
	// ReconnectBaseDelay doubles on every failed attempt up to
	// ReconnectMaxDelay. After ReconnectMaxAttempts consecutive failures the
	// transport stays disconnected until Restart or SetToken.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	Dialer               *websocket.Dialer
	Logger               *slog.Logger
}

// Transport keeps one websocket open to the server, reconnecting with
// backoff, and buffers outbound messages while the connection is down.
type Transport struct {
	opts   TransportOptions
	dialer *websocket.Dialer
	log    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	restart chan struct{}

	// mu guards the fields below and serializes writes to conn.
	mu        sync.Mutex
	state     ConnState
	conn      *websocket.Conn
	pending   [][]byte
	token     string
	closed    bool
	parked    bool
	handlers  map[string]EventHandler
	observers []func(ConnState)
}

func NewTransport(opts TransportOptions) *Transport {
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultReconnectBase
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = defaultReconnectMax
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = defaultReconnectTry
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:     opts,
		dialer:   dialer,
		log:      log.With("component", "transport"),
		ctx:      ctx,
		cancel:   cancel,
		restart:  make(chan struct{}, 1),
		token:    strings.TrimSpace(opts.Token),
		handlers: make(map[string]EventHandler),
	}
}

// WebSocketURL derives the push endpoint from the server's HTTP base URL.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(serverURL), "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported server url scheme: " + u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

// On registers the handler for one event name, replacing any previous one.
func (t *Transport) On(event string, h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = h
}

func (t *Transport) OnStateChange(fn func(ConnState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Start begins connecting in the background. Calling it again is a no-op.
func (t *Transport) Start() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.run()
}

// Restart resumes connecting after the attempt ceiling was reached. It does
// nothing while the transport is connected or still retrying.
func (t *Transport) Restart() {
	t.mu.Lock()
	parked := t.parked
	t.mu.Unlock()
	if !parked {
		return
	}
	select {
	case t.restart <- struct{}{}:
	default:
	}
}

// SetToken swaps the credential and reconnects with it.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	t.token = strings.TrimSpace(token)
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	t.Restart()
}

func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Send writes v immediately when connected. Otherwise it is buffered and
// flushed in order on the next successful connect.
func (t *Transport) Send(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.state != StateConnected || t.conn == nil {
		t.pending = append(t.pending, msg)
		return nil
	}
	if err := t.writeLocked(msg); err != nil {
		t.log.Debug("write failed, buffering", "error", err)
		t.pending = append(t.pending, msg)
		_ = t.conn.Close()
	}
	return nil
}

// Close stops reconnecting and closes the socket. Buffered messages are
// dropped.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.pending = nil
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	t.wg.Wait()
	t.setState(StateDisconnected)
}

func (t *Transport) run() {
	defer t.wg.Done()
	for {
		conn, err := t.connect()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Warn("giving up reconnecting until restarted",
				"attempts", t.opts.ReconnectMaxAttempts, "error", err)
			if !t.park() {
				return
			}
			continue
		}
		t.serve(conn)
		if t.ctx.Err() != nil {
			return
		}
	}
}

// park blocks until Restart or Close and reports whether to reconnect.
func (t *Transport) park() bool {
	// Signals from an earlier park are stale.
	select {
	case <-t.restart:
	default:
	}
	t.mu.Lock()
	t.parked = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.parked = false
		t.mu.Unlock()
	}()
	select {
	case <-t.ctx.Done():
		return false
	case <-t.restart:
		return true
	}
}

func (t *Transport) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.opts.ReconnectBaseDelay
	bo.MaxInterval = t.opts.ReconnectMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.opts.ReconnectMaxAttempts-1)), t.ctx)
}

func (t *Transport) connect() (*websocket.Conn, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		attempt++
		t.setState(StateConnecting)
		t.mu.Lock()
		token := t.token
		t.mu.Unlock()

		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, resp, err := t.dialer.DialContext(t.ctx, t.opts.URL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			t.setState(StateDisconnected)
			if t.ctx.Err() != nil {
				return nil, backoff.Permanent(t.ctx.Err())
			}
			return nil, err
		}
		return conn, nil
	}, t.newBackoff(), func(err error, next time.Duration) {
		t.log.Debug("connect failed", "attempt", attempt, "retry_in", next, "error", err)
	})
}

// serve owns conn until it fails.
func (t *Transport) serve(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if !t.attach(conn) {
		_ = conn.Close()
		t.setState(StateDisconnected)
		return
	}
	t.log.Info("connected", "url", t.opts.URL)
	t.notify(StateConnected)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Info("connection lost", "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		t.dispatch(msg)
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
	t.setState(StateDisconnected)
}

// attach installs conn and flushes buffered messages before anything else
// can be written to it. The caller notifies observers on success.
func (t *Transport) attach(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conn = conn
	for len(t.pending) > 0 {
		if err := t.writeLocked(t.pending[0]); err != nil {
			t.log.Debug("flush failed", "error", err)
			t.conn = nil
			return false
		}
		t.pending = t.pending[1:]
	}
	t.state = StateConnected
	return true
}

func (t *Transport) writeLocked(msg []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *Transport) dispatch(msg []byte) {
	var ev InboundEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.log.Warn("dropping malformed message", "error", err)
		return
	}
	t.mu.Lock()
	h := t.handlers[ev.Event]
	t.mu.Unlock()
	if h == nil {
		t.log.Debug("dropping unhandled event", "event", ev.Event)
		return
	}
	h(ev)
}

func (t *Transport) setState(s ConnState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.notify(s)
}

func (t *Transport) notify(s ConnState) {
	t.mu.Lock()
	observers := append([]func(ConnState){}, t.observers...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}
