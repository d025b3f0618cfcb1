package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagewarden/pagewarden/internal/chat"
	"github.com/pagewarden/pagewarden/internal/config"
	"github.com/pagewarden/pagewarden/internal/domain"
	"github.com/pagewarden/pagewarden/internal/fetch"
	"github.com/pagewarden/pagewarden/internal/model"
	"github.com/pagewarden/pagewarden/internal/scan"
)

type wsRepo struct {
	mu      sync.Mutex
	history []domain.ConversationTurn
	scans   []domain.ScanRecord
	logs    []string
}

func (r *wsRepo) LoadConversation(context.Context, string) ([]domain.ConversationTurn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConversationTurn(nil), r.history...), nil
}
func (r *wsRepo) AppendExchange(_ context.Context, _ string, u, a domain.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, u, a)
	return nil
}
func (r *wsRepo) ClearConversation(context.Context, string) error { return nil }
func (r *wsRepo) DeleteExchange(context.Context, string, int) (int, error) {
	return 0, nil
}
func (r *wsRepo) LoadScans(context.Context, string) ([]domain.ScanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ScanRecord(nil), r.scans...), nil
}
func (r *wsRepo) AppendScan(_ context.Context, _ string, rec domain.ScanRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, rec)
	return nil
}
func (r *wsRepo) AppendLog(_ context.Context, _ string, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, line)
	return nil
}
func (r *wsRepo) Ping(context.Context) error { return nil }
func (r *wsRepo) Close() error               { return nil }

func (r *wsRepo) scanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scans)
}

type wsModel struct {
	reply string
	delay time.Duration
}

func (m *wsModel) Chat(ctx context.Context, _ []domain.ConversationTurn, _ model.Options) (string, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.reply, nil
}
func (m *wsModel) Ping(context.Context) error { return nil }
func (m *wsModel) Model() string              { return "test-model" }

type wsFetcher struct {
	probe *fetch.RedirectProbe
	page  *fetch.Page
}

func (f *wsFetcher) CheckRedirects(_ context.Context, url string) (*fetch.RedirectProbe, error) {
	if f.probe != nil {
		return f.probe, nil
	}
	return &fetch.RedirectProbe{FinalURL: url, Redirected: false}, nil
}
func (f *wsFetcher) Fetch(context.Context, string) (*fetch.Page, error) {
	if f.page != nil {
		return f.page, nil
	}
	return &fetch.Page{Status: 200, Content: "page body"}, nil
}

func wsTestConfig() *config.Config {
	return &config.Config{
		MaxMemoryTurns:     5,
		MaxScanHistory:     5,
		ChatTimeout:        2 * time.Second,
		ScanTimeout:        2 * time.Second,
		ChatReceiveTimeout: 100 * time.Millisecond,
		ScanReceiveTimeout: time.Second,
		SessionIdleLimit:   250 * time.Millisecond,
		ProgressInterval:   20 * time.Millisecond,
	}
}

func newChatServer(t *testing.T, repo *wsRepo, client model.Client, cfg *config.Config) *httptest.Server {
	t.Helper()
	svc := chat.NewService(repo, client, chat.DefaultConfig(cfg.MaxMemoryTurns))
	srv := httptest.NewServer(NewChatHandler(svc, NewRegistry(), cfg))
	t.Cleanup(srv.Close)
	return srv
}

func newScanServer(t *testing.T, repo *wsRepo, fetcher fetch.Fetcher, client model.Client, cfg *config.Config) *httptest.Server {
	t.Helper()
	pipeCfg := scan.DefaultConfig()
	pipeCfg.RedirectTimeout = 500 * time.Millisecond
	pipeCfg.FetchTimeout = 500 * time.Millisecond
	pipeline := scan.NewPipeline(fetcher, client, repo, pipeCfg)
	srv := httptest.NewServer(NewScanHandler(pipeline, NewRegistry(), cfg))
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestChatSocket_PingPong(t *testing.T) {
	srv := newChatServer(t, &wsRepo{}, &wsModel{reply: "hi."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"type":"ping"}`)
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])

	// The next frame after a chat request must be the typing indicator,
	// so the ping produced exactly one reply.
	writeFrame(t, conn, `{"user":"alice","message":"hello"}`)
	assert.Equal(t, true, readFrame(t, conn)["typing"])
	assert.Equal(t, "hi.", readFrame(t, conn)["response"])
}

func TestChatSocket_ChatTurnPersists(t *testing.T) {
	repo := &wsRepo{}
	srv := newChatServer(t, repo, &wsModel{reply: "stay safe."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"user":"alice","message":"is this safe?"}`)
	assert.Equal(t, true, readFrame(t, conn)["typing"])
	assert.Equal(t, "stay safe.", readFrame(t, conn)["response"])

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.history, 2)
	assert.Equal(t, "is this safe?", repo.history[0].Content)
}

func TestChatSocket_InvalidFrames(t *testing.T) {
	srv := newChatServer(t, &wsRepo{}, &wsModel{reply: "hi."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"user":`)
	assert.Equal(t, "Invalid JSON format", readFrame(t, conn)["error"])

	writeFrame(t, conn, `{"user":"alice"}`)
	assert.Equal(t, "Missing 'user' or 'message'", readFrame(t, conn)["error"])
}

func TestChatSocket_IdleTimeoutCloses(t *testing.T) {
	srv := newChatServer(t, &wsRepo{}, &wsModel{reply: "hi."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)

	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	var closeErr websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, "session timeout", closeErr.Reason)
}

func TestChatSocket_PingKeepsSessionAlive(t *testing.T) {
	srv := newChatServer(t, &wsRepo{}, &wsModel{reply: "hi."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	// Ping well past the idle limit; each one must keep the session open.
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		writeFrame(t, conn, `{"type":"ping"}`)
		assert.Equal(t, "pong", readFrame(t, conn)["type"])
		time.Sleep(50 * time.Millisecond)
	}
}

func TestChatSocket_RejectsSecondRequestWhileBusy(t *testing.T) {
	srv := newChatServer(t, &wsRepo{}, &wsModel{reply: "done.", delay: 300 * time.Millisecond}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"user":"alice","message":"first"}`)
	assert.Equal(t, true, readFrame(t, conn)["typing"])

	writeFrame(t, conn, `{"user":"alice","message":"second"}`)
	assert.Equal(t, "A chat request is already in progress", readFrame(t, conn)["error"])

	// The first request still completes.
	assert.Equal(t, "done.", readFrame(t, conn)["response"])
}

func TestChatSocket_SurvivesScanSocketForSameUser(t *testing.T) {
	repo := &wsRepo{}
	client := &wsModel{reply: "Threat Level: Safe\nall clear."}
	cfg := wsTestConfig()
	cfg.SessionIdleLimit = 5 * time.Second
	cfg.ChatReceiveTimeout = time.Second

	chatSvc := chat.NewService(repo, client, chat.DefaultConfig(cfg.MaxMemoryTurns))
	pipeCfg := scan.DefaultConfig()
	pipeCfg.RedirectTimeout = 500 * time.Millisecond
	pipeCfg.FetchTimeout = 500 * time.Millisecond
	pipeline := scan.NewPipeline(&wsFetcher{}, client, repo, pipeCfg)

	mux := http.NewServeMux()
	mux.Handle("/chatbot", NewChatHandler(chatSvc, NewRegistry(), cfg))
	mux.Handle("/scan", NewScanHandler(pipeline, NewRegistry(), cfg))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	chatConn := dialWS(t, srv, "/chatbot")
	writeFrame(t, chatConn, `{"user":"alice","message":"hello"}`)
	assert.Equal(t, true, readFrame(t, chatConn)["typing"])
	require.NotEmpty(t, readFrame(t, chatConn)["response"])

	scanConn := dialWS(t, srv, "/scan")
	writeFrame(t, scanConn, `{"user":"alice","url":"http://example.com"}`)
	for {
		frame := readFrame(t, scanConn)
		if _, done := frame["response"]; done {
			break
		}
	}

	// The chat session must still be live after the scan session registered
	// under the same user.
	writeFrame(t, chatConn, `{"type":"ping"}`)
	assert.Equal(t, "pong", readFrame(t, chatConn)["type"])
}

func TestScanSocket_FullScanDelivery(t *testing.T) {
	repo := &wsRepo{}
	srv := newScanServer(t, repo, &wsFetcher{}, &wsModel{reply: "Threat Level: Safe\nall clear."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"user":"alice","url":"http://example.com"}`)

	frame := readFrame(t, conn)
	assert.Equal(t, true, frame["processing"])

	var response map[string]any
	for response == nil {
		frame = readFrame(t, conn)
		if _, ok := frame["response"]; ok {
			response = frame
		} else {
			require.Contains(t, frame, "status")
		}
	}
	assert.Contains(t, response["response"], "Threat Level: Safe")
	assert.Equal(t, "http://example.com", response["url"])
	assert.Equal(t, 1, repo.scanCount())
}

func TestScanSocket_DegradedReportAfterSlowAnalysis(t *testing.T) {
	repo := &wsRepo{}
	fetcher := &wsFetcher{
		probe: &fetch.RedirectProbe{
			Chain:      []string{"http://short.link/x", "http://final.example/"},
			FinalURL:   "http://final.example/",
			Redirected: true,
		},
	}
	cfg := wsTestConfig()
	cfg.ScanTimeout = 200 * time.Millisecond
	srv := newScanServer(t, repo, fetcher, &wsModel{reply: "never", delay: 5 * time.Second}, cfg)
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"user":"alice","url":"http://short.link/x"}`)
	assert.Equal(t, true, readFrame(t, conn)["processing"])

	sawStatus := false
	var response map[string]any
	for response == nil {
		frame := readFrame(t, conn)
		if _, ok := frame["response"]; ok {
			response = frame
		} else {
			require.Contains(t, frame, "status")
			sawStatus = true
		}
	}

	assert.True(t, sawStatus, "status updates must precede the terminal frame")
	text, _ := response["response"].(string)
	assert.Contains(t, text, "Threat Level: Unknown")
	assert.Contains(t, text, "http://final.example/")
	assert.Equal(t, 1, repo.scanCount())
}

func TestScanSocket_SchemeDefaultingAndMessageURL(t *testing.T) {
	repo := &wsRepo{}
	srv := newScanServer(t, repo, &wsFetcher{}, &wsModel{reply: "Threat Level: Safe\nok."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"user":"alice","message":"example.com/page"}`)
	var response map[string]any
	for response == nil {
		frame := readFrame(t, conn)
		if _, ok := frame["response"]; ok {
			response = frame
		}
	}
	assert.Equal(t, "http://example.com/page", response["url"])
}

func TestScanSocket_MissingURL(t *testing.T) {
	srv := newScanServer(t, &wsRepo{}, &wsFetcher{}, &wsModel{reply: "ok."}, wsTestConfig())
	conn := dialWS(t, srv, "/")

	writeFrame(t, conn, `{"user":"alice","message":"scan something please"}`)
	assert.Equal(t, "Missing URL to scan", readFrame(t, conn)["error"])
}

func TestScanSocket_ReceiveTimeout(t *testing.T) {
	cfg := wsTestConfig()
	cfg.ScanReceiveTimeout = 100 * time.Millisecond
	srv := newScanServer(t, &wsRepo{}, &wsFetcher{}, &wsModel{reply: "ok."}, cfg)
	conn := dialWS(t, srv, "/")

	frame := readFrame(t, conn)
	assert.Equal(t, "Timed out waiting for a scan request", frame["error"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
