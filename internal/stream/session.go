package stream

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/api"
	"github.com/erauner12/paperdesk/internal/client"
	"github.com/erauner12/paperdesk/internal/metrics"
)

// DefaultTopicsPath is the topic generation stream, relative to the API base URL.
const DefaultTopicsPath = "/topics/recommend/stream"

// State is a session's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client opens streaming generation sessions.
type Client struct {
	baseURL string
	tokens  client.TokenSource
	dialer  Dialer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer selects the push transport. The default is SSE.
func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// NewClient creates a streaming client rooted at baseURL.
func NewClient(baseURL string, tokens client.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		dialer:  &SSEDialer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenTopics starts a topic generation session for req.
func (c *Client) OpenTopics(ctx context.Context, req api.TopicRequest, h Handlers) *Session {
	return c.Open(ctx, DefaultTopicsPath, req.Query(), h)
}

// Open starts a session on path. The credential is refreshed first if it is
// expiring soon, then sent as the "token" query parameter.
//
// Without a credential no channel is opened: h.OnError receives ErrStreamAuth
// before Open returns, and the returned session is already closed.
//
// The session never times out on its own; it ends on a terminal event, a
// transport failure, ctx cancellation, or Close.
func (c *Client) Open(ctx context.Context, path string, params url.Values, h Handlers) *Session {
	s := &Session{
		id:        uuid.New().String(),
		handlers:  h,
		transport: c.dialer.Name(),
		done:      make(chan struct{}),
	}
	s.logger = log.With().
		Str("sessionId", s.id).
		Str("path", path).
		Str("transport", s.transport).
		Logger()

	token := c.tokens.Token()
	if token == "" {
		s.logger.Warn().Msg("stream requested without a credential")
		s.state.Store(int32(StateClosed))
		if h.OnError != nil {
			h.OnError(ErrStreamAuth)
		}
		close(s.done)
		metrics.RecordStreamClosed(s.transport, "unauthenticated")
		return s
	}
	token = c.tokens.EnsureFresh(ctx, token)

	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}
	q.Set("token", token)
	target := c.baseURL + path + "?" + q.Encode()

	ctx, s.cancel = context.WithCancel(ctx)
	s.state.Store(int32(StateConnecting))
	go s.run(ctx, c.dialer, target)
	return s
}

// Session is one live server-push channel. Handlers run on the session's own
// goroutine, one at a time and in arrival order. No handler starts after Close
// returns; a handler already running when Close is called from another
// goroutine is allowed to finish.
type Session struct {
	id        string
	handlers  Handlers
	transport string
	logger    zerolog.Logger

	state  atomic.Int32
	cancel context.CancelFunc

	// mu orders handler admission against Close. It is never held while a
	// handler runs, so a handler may call Close.
	mu     sync.Mutex
	closed bool

	connMu sync.Mutex
	conn   Conn

	closeOnce sync.Once
	reason    string
	done      chan struct{}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session has reached StateClosed and released the channel.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close releases the channel. Safe to call more than once, and from a handler.
func (s *Session) Close() {
	s.closeWith("closed_by_caller")
}

func (s *Session) run(ctx context.Context, dialer Dialer, target string) {
	defer s.finish()

	conn, err := dialer.Dial(ctx, target)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("failed to open stream")
			s.terminate(&ErrTransport{Err: err}, "dial_failed")
		}
		return
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}

	s.logger.Info().Msg("stream opened")
	s.deliver(func(h *Handlers) {
		if h.OnStatus != nil {
			h.OnStatus(ConnectedMessage)
		}
	})

	for {
		frame, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || s.State() == StateClosed {
				return
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.logger.Warn().Err(err).Msg("stream ended before a terminal event")
			s.terminate(&ErrTransport{Err: err}, "transport_error")
			return
		}

		ev, err := decodeFrame(frame)
		if err != nil {
			s.decodeFailed(frame, err)
			continue
		}

		dispatch, ok := dispatchers[ev.Type]
		if !ok {
			s.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring unrecognized event")
			continue
		}
		metrics.RecordFrame(string(ev.Type))

		var handlerErr error
		delivered := s.deliver(func(h *Handlers) { handlerErr = dispatch(h, ev) })
		if !delivered {
			return
		}
		if handlerErr != nil {
			s.decodeFailed(frame, handlerErr)
			continue
		}

		if ev.Type.Terminal() {
			s.logger.Info().Str("type", string(ev.Type)).Msg("stream finished")
			s.closeWith(string(ev.Type))
			return
		}
	}
}

// deliver runs fn unless the session is closed. Only the run goroutine
// delivers, so handlers never overlap.
func (s *Session) deliver(fn func(h *Handlers)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	fn(&s.handlers)
	return true
}

func (s *Session) decodeFailed(frame []byte, err error) {
	s.logger.Warn().Err(err).Msg("dropping undecodable frame")
	metrics.RecordFrame("undecodable")

	decodeErr := &ErrDecode{Frame: string(frame), Err: err}
	s.deliver(func(h *Handlers) {
		switch {
		case h.OnDecodeError != nil:
			h.OnDecodeError(decodeErr)
		case h.OnError != nil:
			h.OnError(decodeErr)
		}
	})
}

// terminate reports a terminal failure once, then closes.
func (s *Session) terminate(err error, reason string) {
	s.deliver(func(h *Handlers) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
	s.closeWith(reason)
}

// closeWith moves the session to StateClosed and releases the channel. The
// first reason wins.
func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.reason = reason
		s.state.Store(int32(StateClosed))
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		s.releaseConn()
	})
}

func (s *Session) releaseConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) finish() {
	s.closeWith("ended")
	s.releaseConn()
	s.logger.Info().Str("reason", s.reason).Msg("stream closed")
	metrics.RecordStreamClosed(s.transport, s.reason)
	close(s.done)
}
