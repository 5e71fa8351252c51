package mockapi

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/paperdesk/internal/api"
	"github.com/erauner12/paperdesk/internal/auth"
	"github.com/erauner12/paperdesk/internal/client"
	"github.com/erauner12/paperdesk/internal/kv"
	"github.com/erauner12/paperdesk/internal/session"
	"github.com/erauner12/paperdesk/internal/stream"
	"github.com/erauner12/paperdesk/internal/userstore"
)

// stack is the full client wired against a mock backend.
type stack struct {
	backend  *Server
	srv      *httptest.Server
	kv       *kv.Memory
	tokens   *auth.Manager
	client   *client.Client
	api      *api.Service
	sessions *session.Manager
	records  *userstore.Store
	notes    *notes
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Error(msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	if cfg.LoginTTL == 0 {
		cfg.LoginTTL = time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = time.Hour
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.Users == nil {
		cfg.Users = map[string]string{"demo": "demo123"}
	}

	backend := New(cfg)
	srv := httptest.NewServer(backend.Routes())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	mem := kv.NewMemory()
	cred, err := auth.LoadCredential(ctx, mem)
	if err != nil {
		t.Fatalf("LoadCredential: %v", err)
	}
	tokens := auth.NewManager(cred)
	n := &notes{}
	c := client.New(client.Config{BaseURL: srv.URL + Prefix}, tokens, client.WithNotifier(n))
	tokens.SetRefresher(c)

	svc := api.NewService(c)
	records := userstore.New(mem)
	sessions := session.NewManager(tokens, svc, records, mem, client.DefaultEntryPoint)
	c.OnSessionExpired(sessions)

	return &stack{
		backend:  backend,
		srv:      srv,
		kv:       mem,
		tokens:   tokens,
		client:   c,
		api:      svc,
		sessions: sessions,
		records:  records,
		notes:    n,
	}
}

func (s *stack) login(t *testing.T) {
	t.Helper()
	if _, err := s.sessions.Login(client.WithOrigin(context.Background(), "/login"), "demo", "demo123"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

type streamLog struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (l *streamLog) add(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *streamLog) handlers() stream.Handlers {
	return stream.Handlers{
		OnStatus:           func(msg string) { l.add("status") },
		OnInterestAnalysis: func(api.InterestAnalysis) { l.add("interest_analysis") },
		OnTopic:            func(api.Topic) { l.add("topic") },
		OnComplete:         func(string) { l.add("complete") },
		OnError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			l.add("error")
		},
		OnDecodeError: func(error) { l.add("decode_error") },
	}
}

func (l *streamLog) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.events, ",")
}

func waitClosed(t *testing.T, s *stream.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream session did not close")
	}
}

func TestLoginProfileAndBusinessCall(t *testing.T) {
	s := newStack(t, Config{})
	s.login(t)

	profile, err := s.sessions.Profile(context.Background())
	if err != nil || profile == nil || profile.Username != "demo" {
		t.Fatalf("profile = %+v, %v", profile, err)
	}

	topics, err := s.api.RecommendTopics(context.Background(), api.TopicRequest{
		UserInterests: "graph neural networks, drug discovery",
		AcademicField: "computer science",
		TopicCount:    2,
	})
	if err != nil {
		t.Fatalf("RecommendTopics: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("got %d topics, want 2", len(topics))
	}
}

func TestLoginFailureIsBusinessError(t *testing.T) {
	s := newStack(t, Config{})

	_, err := s.sessions.Login(client.WithOrigin(context.Background(), "/login"), "demo", "wrong")
	apiErr, ok := client.AsAPI(err)
	if !ok || apiErr.Detail != "Incorrect username or password" {
		t.Fatalf("err = %v", err)
	}
	if got := s.notes.all(); len(got) != 1 || got[0] != "Incorrect username or password" {
		t.Errorf("notifications = %v", got)
	}
}

func TestConcurrentCallsShareOneRefresh(t *testing.T) {
	s := newStack(t, Config{})
	s.login(t)
	ctx := context.Background()

	// Swap in a token already inside the refresh threshold.
	u, _ := s.backend.lookupUser("demo")
	stale, err := s.backend.issueToken(u, s.backend.sessions.CreateSession("demo").ID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.tokens.Store(ctx, stale); err != nil {
		t.Fatal(err)
	}
	before := s.backend.Refreshes()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.api.Profile(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("call failed: %v", err)
		}
	}
	if got := s.backend.Refreshes() - before; got != 1 {
		t.Errorf("refreshes = %d, want 1", got)
	}
	if s.tokens.Token() == stale {
		t.Error("credential not replaced by refresh")
	}
	if s.tokens.IsExpiringSoon(s.tokens.Token()) {
		t.Error("refreshed credential still expiring soon")
	}
}

func TestRevokedSessionExpires(t *testing.T) {
	s := newStack(t, Config{})
	s.login(t)
	_ = s.records.Set(context.Background(), "savedPaper", "draft")

	if n := s.backend.RevokeUser("demo"); n != 1 {
		t.Fatalf("revoked %d sessions, want 1", n)
	}

	_, err := s.api.TokenUsage(client.WithOrigin(context.Background(), "/dashboard"), false, 0)
	var expired client.ErrSessionExpired
	if !errors.As(err, &expired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if !expired.Redirect || expired.EntryPoint != "/login" {
		t.Errorf("ErrSessionExpired = %+v", expired)
	}
	if s.sessions.IsAuthenticated() {
		t.Error("credential kept after rejection")
	}
	if len(s.notes.all()) != 0 {
		t.Errorf("session expiry produced notifications: %v", s.notes.all())
	}
}

func TestRevokedSessionFromEntryPointDoesNotRedirect(t *testing.T) {
	s := newStack(t, Config{})
	s.login(t)
	s.backend.RevokeUser("demo")

	_, err := s.api.Profile(client.WithOrigin(context.Background(), "/login"))
	var expired client.ErrSessionExpired
	if !errors.As(err, &expired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if expired.Redirect {
		t.Error("redirect requested from the entry point itself")
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newStack(t, Config{})

	_, err := s.sessions.Register(context.Background(), api.RegisterRequest{Username: "x", Email: "nope", Password: "1"})
	apiErr, ok := client.AsAPI(err)
	if !ok || apiErr.Status != 422 {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(apiErr.Detail, "valid email") || !strings.Contains(apiErr.Detail, "at least 6") {
		t.Errorf("detail = %q", apiErr.Detail)
	}

	user, err := s.sessions.Register(context.Background(), api.RegisterRequest{Username: "new", Email: "new@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := s.sessions.Login(context.Background(), "new", "secret1"); err != nil {
		t.Fatalf("Login as registered user %+v: %v", user, err)
	}

	_, err = s.sessions.Register(context.Background(), api.RegisterRequest{Username: "new", Email: "new@example.com", Password: "secret1"})
	if apiErr, ok := client.AsAPI(err); !ok || apiErr.Status != 409 {
		t.Errorf("duplicate register err = %v", err)
	}
}

func TestStreamTopics(t *testing.T) {
	for _, dialer := range []stream.Dialer{&stream.SSEDialer{}, stream.WebSocketDialer{}} {
		t.Run(dialer.Name(), func(t *testing.T) {
			s := newStack(t, Config{})
			s.login(t)

			sc := stream.NewClient(s.client.BaseURL(), s.tokens, stream.WithDialer(dialer))
			l := &streamLog{}
			sess := sc.OpenTopics(context.Background(), api.TopicRequest{
				UserInterests: "robotics, control",
				AcademicField: "engineering",
				TopicCount:    2,
			}, l.handlers())
			waitClosed(t, sess)

			want := "status,status,interest_analysis,status,topic,topic,complete"
			if got := l.joined(); got != want {
				t.Errorf("events = %s, want %s", got, want)
			}

			usage, err := s.api.TokenUsage(context.Background(), true, 5)
			if err != nil {
				t.Fatalf("TokenUsage: %v", err)
			}
			if usage.Summary.TotalUsage.Requests != 1 || len(usage.RecentRecords) != 1 {
				t.Errorf("usage = %+v", usage.Summary.TotalUsage)
			}
		})
	}
}

func TestStreamTopics_MalformedFrameThenServerError(t *testing.T) {
	s := newStack(t, Config{})
	s.login(t)

	req := api.TopicRequest{UserInterests: "nlp", AcademicField: "linguistics", TopicCount: 1}
	params := req.Query()
	params.Set("inject_malformed", "true")
	params.Set("simulate_error", "true")

	l := &streamLog{}
	sess := stream.NewClient(s.client.BaseURL(), s.tokens).Open(context.Background(), stream.DefaultTopicsPath, params, l.handlers())
	waitClosed(t, sess)

	want := "status,status,decode_error,interest_analysis,error"
	if got := l.joined(); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
	var serverErr *stream.ErrServer
	if len(l.errs) != 1 || !errors.As(l.errs[0], &serverErr) {
		t.Errorf("errs = %v", l.errs)
	}
}

func TestStreamTopics_RevokedToken(t *testing.T) {
	s := newStack(t, Config{})
	s.login(t)
	s.backend.RevokeUser("demo")

	l := &streamLog{}
	sess := stream.NewClient(s.client.BaseURL(), s.tokens).OpenTopics(context.Background(),
		api.TopicRequest{UserInterests: "x", AcademicField: "y"}, l.handlers())
	waitClosed(t, sess)

	if got := l.joined(); got != "error" {
		t.Fatalf("events = %s, want error", got)
	}
	var transportErr *stream.ErrTransport
	if !errors.As(l.errs[0], &transportErr) {
		t.Errorf("err = %v, want *ErrTransport", l.errs[0])
	}
}

func TestStreamTopics_CloseMidStream(t *testing.T) {
	s := newStack(t, Config{FrameDelay: 50 * time.Millisecond})
	s.login(t)

	l := &streamLog{}
	h := l.handlers()
	firstTopic := make(chan struct{})
	var once sync.Once
	h.OnTopic = func(api.Topic) {
		l.add("topic")
		once.Do(func() { close(firstTopic) })
	}

	sess := stream.NewClient(s.client.BaseURL(), s.tokens).OpenTopics(context.Background(),
		api.TopicRequest{UserInterests: "x", AcademicField: "y", TopicCount: 5}, h)
	<-firstTopic
	sess.Close()
	waitClosed(t, sess)

	got := l.joined()
	if strings.Contains(got, "complete") || strings.Contains(got, "error") {
		t.Errorf("terminal event delivered after Close: %s", got)
	}
}

func TestTokenUsageExportAndReset(t *testing.T) {
	s := newStack(t, Config{})
	s.login(t)
	ctx := context.Background()

	if _, err := s.api.AnalyzeInterests(ctx, api.TopicRequest{UserInterests: "a", AcademicField: "b"}); err != nil {
		t.Fatalf("AnalyzeInterests: %v", err)
	}

	export, err := s.api.ExportTokenUsage(ctx, "csv")
	if err != nil {
		t.Fatalf("ExportTokenUsage: %v", err)
	}
	if !strings.HasPrefix(export.Data, "timestamp,") || !strings.Contains(export.Data, "interest_analysis") {
		t.Errorf("csv = %q", export.Data)
	}

	reset, err := s.api.ResetTokenUsage(ctx)
	if err != nil {
		t.Fatalf("ResetTokenUsage: %v", err)
	}
	if reset.PreviousSummary.TotalUsage.Requests != 1 {
		t.Errorf("previous = %+v", reset.PreviousSummary.TotalUsage)
	}

	usage, err := s.api.TokenUsage(ctx, false, 0)
	if err != nil {
		t.Fatalf("TokenUsage: %v", err)
	}
	if usage.Summary.TotalUsage.Requests != 0 {
		t.Errorf("usage after reset = %+v", usage.Summary.TotalUsage)
	}
}
