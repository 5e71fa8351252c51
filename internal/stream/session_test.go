package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/erauner12/paperdesk/internal/api"
)

type staticTokens struct {
	token string
}

func (s staticTokens) Token() string { return s.token }

func (s staticTokens) EnsureFresh(_ context.Context, token string) string { return token }

// recorder collects handler invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	topics []api.Topic
	errs   []error
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnStatus: func(msg string) { r.add("status:" + msg) },
		OnInterestAnalysis: func(a api.InterestAnalysis) {
			r.add("analysis:" + strings.Join(a.KeyConcepts, ","))
		},
		OnTopic: func(t api.Topic) {
			r.mu.Lock()
			r.topics = append(r.topics, t)
			r.mu.Unlock()
			r.add("topic:" + t.Title)
		},
		OnComplete: func(msg string) { r.add("complete:" + msg) },
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.add("error")
		},
		OnDecodeError: func(err error) { r.add("decode_error") },
	}
}

// sseServer replays frames as server-sent events and records the token it saw.
func sseServer(t *testing.T, frames []string, hangAfter bool) (*httptest.Server, func() string) {
	t.Helper()
	var mu sync.Mutex
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotToken = r.URL.Query().Get("token")
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		if hangAfter {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() string {
		mu.Lock()
		defer mu.Unlock()
		return gotToken
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close")
	}
}

func assertEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestSession_DeliversFramesInOrder(t *testing.T) {
	srv, gotToken := sseServer(t, []string{
		`{"type":"status","message":"analyzing interests"}`,
		`{"type":"interest_analysis","data":{"key_concepts":["graphs","ml"]}}`,
		`{"type":"topic","data":{"title":"A"}}`,
		`{"type":"topic","data":{"title":"B"}}`,
		`{"type":"complete","message":"done"}`,
	}, true)

	c := NewClient(srv.URL, staticTokens{token: "tok-1"})
	rec := &recorder{}
	s := c.OpenTopics(context.Background(), api.TopicRequest{UserInterests: "graphs", AcademicField: "cs"}, rec.handlers())
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{
		"status:connected",
		"status:analyzing interests",
		"analysis:graphs,ml",
		"topic:A",
		"topic:B",
		"complete:done",
	})
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if got := gotToken(); got != "tok-1" {
		t.Errorf("token query param = %q, want tok-1", got)
	}
}

func TestSession_DecodeErrorIsNotFatal(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"type":"status","message":"working"}`,
		`{not json`,
		`{"type":"topic","data":{"title":"A"}}`,
		`{"type":"error","message":"model overloaded"}`,
		`{"type":"topic","data":{"title":"never"}}`,
	}, true)

	c := NewClient(srv.URL, staticTokens{token: "tok"})
	rec := &recorder{}
	s := c.Open(context.Background(), DefaultTopicsPath, nil, rec.handlers())
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{
		"status:connected",
		"status:working",
		"decode_error",
		"topic:A",
		"error",
	})

	var serverErr *ErrServer
	if len(rec.errs) != 1 || !errors.As(rec.errs[0], &serverErr) {
		t.Fatalf("errs = %v, want one *ErrServer", rec.errs)
	}
	if serverErr.Message != "model overloaded" {
		t.Errorf("message = %q", serverErr.Message)
	}
}

func TestSession_DecodeErrorFallsBackToOnError(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"type":"topic","data":"not an object"}`,
		`{"type":"complete"}`,
	}, false)

	var mu sync.Mutex
	var errs []error
	completed := false
	h := Handlers{
		OnTopic:    func(api.Topic) {},
		OnComplete: func(string) { mu.Lock(); completed = true; mu.Unlock() },
		OnError:    func(err error) { mu.Lock(); errs = append(errs, err); mu.Unlock() },
	}

	s := NewClient(srv.URL, staticTokens{token: "tok"}).Open(context.Background(), "/s", nil, h)
	waitDone(t, s)

	mu.Lock()
	defer mu.Unlock()
	var decodeErr *ErrDecode
	if len(errs) != 1 || !errors.As(errs[0], &decodeErr) {
		t.Fatalf("errs = %v, want one *ErrDecode", errs)
	}
	if !completed {
		t.Error("complete not delivered after decode error")
	}
}

func TestSession_UnrecognizedEventIgnored(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"type":"heartbeat"}`,
		`{"type":"complete","message":"ok"}`,
	}, false)

	rec := &recorder{}
	s := NewClient(srv.URL, staticTokens{token: "tok"}).Open(context.Background(), "/s", nil, rec.handlers())
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{"status:connected", "complete:ok"})
}

func TestSession_NoCredential(t *testing.T) {
	var dialed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialed.Store(true)
	}))
	defer srv.Close()

	var got error
	s := NewClient(srv.URL, staticTokens{}).Open(context.Background(), "/s", nil, Handlers{
		OnError: func(err error) { got = err },
	})

	if !errors.Is(got, ErrStreamAuth) {
		t.Fatalf("OnError = %v, want ErrStreamAuth", got)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
	if dialed.Load() {
		t.Error("channel opened without a credential")
	}
}

func TestSession_TransportDropBeforeTerminal(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"type":"topic","data":{"title":"A"}}`,
	}, false)

	rec := &recorder{}
	s := NewClient(srv.URL, staticTokens{token: "tok"}).Open(context.Background(), "/s", nil, rec.handlers())
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{"status:connected", "topic:A", "error"})
	var transportErr *ErrTransport
	if !errors.As(rec.errs[0], &transportErr) {
		t.Fatalf("err = %v, want *ErrTransport", rec.errs[0])
	}
}

func TestSession_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	rec := &recorder{}
	s := NewClient(srv.URL, staticTokens{token: "tok"}).Open(context.Background(), "/s", nil, rec.handlers())
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{"error"})
}

func TestSession_CloseFromHandlerStopsDelivery(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`{"type":"topic","data":{"title":"A"}}`,
		`{"type":"topic","data":{"title":"B"}}`,
		`{"type":"complete"}`,
	}, true)

	rec := &recorder{}
	h := rec.handlers()
	var s *Session
	ready := make(chan struct{})
	h.OnTopic = func(tp api.Topic) {
		<-ready
		rec.add("topic:" + tp.Title)
		s.Close()
	}

	s = NewClient(srv.URL, staticTokens{token: "tok"}).Open(context.Background(), "/s", nil, h)
	close(ready)
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{"status:connected", "topic:A"})

	// Idempotent.
	s.Close()
	s.Close()
}

func TestSession_CloseWhileIdleOnServer(t *testing.T) {
	srv, _ := sseServer(t, []string{`{"type":"status","message":"working"}`}, true)

	rec := &recorder{}
	statusSeen := make(chan struct{}, 2)
	h := rec.handlers()
	h.OnStatus = func(msg string) {
		rec.add("status:" + msg)
		statusSeen <- struct{}{}
	}

	s := NewClient(srv.URL, staticTokens{token: "tok"}).Open(context.Background(), "/s", nil, h)
	<-statusSeen
	<-statusSeen
	s.Close()
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{"status:connected", "status:working"})
}

func TestSession_ContextCancelCloses(t *testing.T) {
	srv, _ := sseServer(t, nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	s := NewClient(srv.URL, staticTokens{token: "tok"}).Open(ctx, "/s", nil, rec.handlers())
	cancel()
	waitDone(t, s)

	for _, ev := range rec.snapshot() {
		if ev == "error" {
			t.Fatal("cancellation reported as an error")
		}
	}
}

func TestSession_WebSocketTransport(t *testing.T) {
	frames := []string{
		`{"type":"status","message":"analyzing"}`,
		`{"type":"topic","data":{"title":"A"}}`,
		`{"type":"complete","message":"done"}`,
	}
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
		for _, f := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		// Wait for the client to hang up.
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	rec := &recorder{}
	c := NewClient(srv.URL, staticTokens{token: "ws-tok"}, WithDialer(WebSocketDialer{}))
	s := c.Open(context.Background(), "/stream", nil, rec.handlers())
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{
		"status:connected",
		"status:analyzing",
		"topic:A",
		"complete:done",
	})
	if got := <-tokens; got != "ws-tok" {
		t.Errorf("token = %q", got)
	}
}

func TestSession_UnterminatedCompleteFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"topic\",\"data\":{\"title\":\"A\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"complete\",\"message\":\"ok\"}")
	}))
	defer srv.Close()

	rec := &recorder{}
	s := NewClient(srv.URL, staticTokens{token: "tok"}).Open(context.Background(), "/s", nil, rec.handlers())
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{"status:connected", "topic:A", "complete:ok"})
}

// scriptedConn hands out frames without looking at the context.
type scriptedConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *scriptedConn) Next(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func (c *scriptedConn) Close() error { return nil }

type scriptedDialer struct{ conn Conn }

func (d scriptedDialer) Dial(context.Context, string) (Conn, error) { return d.conn, nil }

func (d scriptedDialer) Name() string { return "scripted" }

func TestSession_CloseFromOtherGoroutineStopsLaterHandlers(t *testing.T) {
	conn := &scriptedConn{frames: [][]byte{
		[]byte(`{"type":"topic","data":{"title":"A"}}`),
		[]byte(`{"type":"topic","data":{"title":"B"}}`),
		[]byte(`{"type":"complete"}`),
	}}

	rec := &recorder{}
	h := rec.handlers()
	inHandler := make(chan struct{})
	release := make(chan struct{})
	h.OnTopic = func(tp api.Topic) {
		rec.add("topic:" + tp.Title)
		if tp.Title == "A" {
			close(inHandler)
			<-release
		}
	}

	c := NewClient("http://stream.invalid", staticTokens{token: "tok"}, WithDialer(scriptedDialer{conn: conn}))
	s := c.Open(context.Background(), "/s", nil, h)

	<-inHandler
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state = %v after Close, want closed", s.State())
	}
	close(release)
	waitDone(t, s)

	assertEvents(t, rec.snapshot(), []string{"status:connected", "topic:A"})
}

func TestSession_DeliverAfterCloseIsRejected(t *testing.T) {
	s := &Session{done: make(chan struct{})}
	s.Close()

	called := false
	if s.deliver(func(*Handlers) { called = true }) {
		t.Error("deliver reported success on a closed session")
	}
	if called {
		t.Error("handler ran after Close returned")
	}
}
