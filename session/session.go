// Package session keeps a client connected to the relay.
//
// A Session moves through Disconnected, Connecting, Connected and
// Reconnecting. Every established connection announces the identity once
// with a user-join frame before anything else is written. Lost connections
// are redialed after a fixed delay until a budget of consecutive failed dials
// is spent. A token fetch that fails with ErrTransient counts as a failed
// dial. Any other credential failure ends the session at once and is not
// charged to that budget. A connection that stays silent for longer than
// ReadTimeout is treated as lost. Disconnect is terminal until Connect is
// called again.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/puyokura/cmpprelay/model"
)

var (
	ErrCredentials      = errors.New("session: credential failure")
	ErrTransient        = errors.New("session: transient credential error")
	ErrRetriesExhausted = errors.New("session: reconnect attempts exhausted")
	ErrNotConnected     = errors.New("session: not connected")
	ErrSendBufferFull   = errors.New("session: send buffer full")
	ErrAlreadyActive    = errors.New("session: already active")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Change is a state transition and the error that caused it, if any.
type Change struct {
	State State
	Err   error
}

// TokenSource obtains the credential for the next dial. An empty token
// dials without credentials. Errors wrapping ErrTransient are retried.
type TokenSource func(ctx context.Context) (string, error)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL      string
	Identity string
	Token    TokenSource
	Dialer   Dialer

	RetryDelay  time.Duration // default 1s
	MaxAttempts int           // consecutive failed dials before giving up, default 5
	ReadTimeout time.Duration // silence before the connection counts as lost, default 60s

	SendBuffer  int // default 64
	EventBuffer int // default 256

	Logger *slog.Logger
}

const (
	writeWait = 10 * time.Second
	readLimit = 64 * 1024
)

type Session struct {
	cfg Config
	log *slog.Logger

	events  chan model.Event
	changes chan Change

	mu     sync.Mutex
	state  State
	err    error
	cancel context.CancelFunc
	done   chan struct{}
	out    chan []byte
}

// New validates cfg and returns a disconnected session.
func New(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("session: URL is required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("session: identity is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "session", "identity", cfg.Identity),
		events:  make(chan model.Event, cfg.EventBuffer),
		changes: make(chan Change, 32),
		done:    done,
	}, nil
}

// Events delivers inbound frames. Frames arriving while it is full are dropped.
func (s *Session) Events() <-chan model.Event { return s.events }

// Changes delivers state transitions.
func (s *Session) Changes() <-chan Change { return s.changes }

// Done is closed when the current run reaches its terminal Disconnected state.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the error that ended the last run, nil after Disconnect.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts connecting in the background. The run lives until
// Disconnect, a credential failure, or the retry budget runs out.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		return ErrAlreadyActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.err = nil
	go s.run(runCtx, done)
	return nil
}

// Disconnect closes the connection and waits for the run to end. No
// reconnection follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Send queues an event for the current connection without blocking.
func (s *Session) Send(ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return ErrNotConnected
	}
	select {
	case s.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Emit encodes payload and sends it as an event of type t.
func (s *Session) Emit(t model.EventType, payload any) error {
	ev, err := model.NewEvent(t, payload)
	if err != nil {
		return err
	}
	return s.Send(ev)
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if err != nil {
		s.log.Info("session state", "state", st, "error", err)
	} else {
		s.log.Debug("session state", "state", st)
	}
	select {
	case s.changes <- Change{State: st, Err: err}:
	default:
		s.log.Warn("state change dropped, observer is not reading", "state", st)
	}
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	err := s.loop(ctx)
	if ctx.Err() != nil {
		err = nil
	}
	s.mu.Lock()
	s.err = err
	s.cancel()
	s.mu.Unlock()
	s.setState(Disconnected, err)
	close(done)
}

func (s *Session) loop(ctx context.Context) error {
	s.setState(Connecting, nil)
	failures := 0
	for {
		var ws *websocket.Conn
		token, err := s.credential(ctx)
		if err == nil {
			ws, err = s.dial(ctx, token)
		}
		if errors.Is(err, ErrCredentials) {
			return err
		}
		if err == nil {
			failures = 0
			err = s.serve(ctx, ws)
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("connection lost", "error", err)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.log.Warn("dial failed", "attempt", failures, "max", s.cfg.MaxAttempts, "error", err)
			if failures >= s.cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
			}
		}
		s.setState(Reconnecting, err)
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) credential(ctx context.Context) (string, error) {
	if s.cfg.Token == nil {
		return "", nil
	}
	token, err := s.cfg.Token(ctx)
	if errors.Is(err, ErrTransient) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	return token, nil
}

func (s *Session) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected with %s", ErrCredentials, resp.Status)
		}
		return nil, err
	}
	return ws, nil
}

// serve runs one established connection until it fails or ctx ends.
func (s *Session) serve(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	join, err := json.Marshal(model.Event{Type: model.EventUserJoin, Payload: mustJSON(s.cfg.Identity)})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		return fmt.Errorf("write user-join: %w", err)
	}

	out := make(chan []byte, s.cfg.SendBuffer)
	quit := make(chan struct{})
	writerDone := make(chan struct{})
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
	go func() {
		defer close(writerDone)
		for {
			select {
			case data := <-out:
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					ws.Close()
					return
				}
			case <-quit:
				return
			}
		}
	}()
	defer func() {
		s.mu.Lock()
		s.out = nil
		s.mu.Unlock()
		close(quit)
		<-writerDone
	}()

	s.setState(Connected, nil)
	ws.SetReadLimit(readLimit)
	ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn("invalid frame from relay", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.log.Warn("event dropped, consumer is not reading", "type", ev.Type)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
