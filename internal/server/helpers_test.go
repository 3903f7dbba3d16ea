package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pairchat/internal/auth"
	"github.com/Tyrowin/pairchat/internal/chat"
	"github.com/Tyrowin/pairchat/internal/config"
	"github.com/Tyrowin/pairchat/internal/delivery"
	"github.com/Tyrowin/pairchat/internal/fanout"
	"github.com/Tyrowin/pairchat/internal/logger"
	"github.com/Tyrowin/pairchat/internal/registry"
	"github.com/Tyrowin/pairchat/internal/server"
	"github.com/Tyrowin/pairchat/internal/store"
	"github.com/Tyrowin/pairchat/internal/store/storetest"
)

const (
	testOriginURL = "http://localhost:8080"
	testSecret    = "integration-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*httptest.Server
	store    *store.Store
	registry *registry.Registry
	hub      *server.Hub
	issuer   *auth.Issuer
}

type testOptions struct {
	origins []string
	client  server.ClientConfig
}

func defaultTestOptions() testOptions {
	return testOptions{
		origins: []string{testOriginURL},
		client: server.ClientConfig{
			MaxMessageSize: 16384,
			RateLimit:      config.RateLimitConfig{Burst: 100, RefillInterval: time.Second},
		},
	}
}

// newTestServer wires the full stack over a temp SQLite database.
func newTestServer(t *testing.T, customize ...func(*testOptions)) *testServer {
	t.Helper()
	opts := defaultTestOptions()
	for _, fn := range customize {
		fn(&opts)
	}

	log := logger.NewNop()
	s := storetest.New(t)
	reg := registry.New(log)
	resolver := chat.NewResolver(s, log)
	ledger := chat.NewLedger(s, log)
	coordinator := delivery.NewCoordinator(resolver, ledger, reg, fanout.NewLocal(reg, time.Second, log), log)
	hub := server.NewHub(coordinator, opts.client, log)
	authn := auth.NewAuthenticator(testSecret, s)
	origins := server.NewOriginPolicy(opts.origins, log)

	handlers := server.NewHandlers(server.HandlersConfig{
		Store:         s,
		Resolver:      resolver,
		Ledger:        ledger,
		Coordinator:   coordinator,
		Registry:      reg,
		Hub:           hub,
		Authenticator: authn,
		Origins:       origins,
		Log:           log,
	})
	router := server.SetupRoutes(server.RouterConfig{
		Handlers:      handlers,
		Authenticator: authn,
		Origins:       origins,
		Log:           log,
	})

	ts := &testServer{
		Server:   httptest.NewServer(router),
		store:    s,
		registry: reg,
		hub:      hub,
		issuer:   auth.NewIssuer(testSecret, time.Hour),
	}
	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return ts
}

type testUser struct {
	store.User
	token string
}

func (ts *testServer) user(t *testing.T, username string) testUser {
	t.Helper()
	u := storetest.User(t, ts.store, username)
	token, err := ts.issuer.Issue(auth.Identity{UserID: u.ID, Username: u.Username})
	require.NoError(t, err)
	return testUser{User: u, token: token}
}

func (ts *testServer) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func newOriginHeader(origin string) http.Header {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return header
}

// dial opens a socket for u and waits until the registry sees it.
func (ts *testServer) dial(t *testing.T, u testUser) *websocket.Conn {
	t.Helper()
	before := ts.registry.Snapshot().UserConnections[u.ID]

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(ts.wsURL(u.token), newOriginHeader(testOriginURL))
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return ts.registry.Snapshot().UserConnections[u.ID] == before+1
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f delivery.Frame) {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no message")
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

// closeWebSocket sends a normal close frame before closing.
func closeWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// doJSON performs an API call and decodes the response into out when given.
func (ts *testServer) doJSON(t *testing.T, method, path, token string, body, out interface{}) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), fmt.Sprintf("%s %s", method, path))
	}
	return resp.StatusCode
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

type messagePage struct {
	Messages []struct {
		ID             int64  `json:"id"`
		ChatID         int64  `json:"chat_id"`
		Seq            int64  `json:"seq"`
		SenderID       int64  `json:"sender_id"`
		SenderUsername string `json:"sender_username"`
		Content        string `json:"content"`
		IsRead         bool   `json:"is_read"`
	} `json:"messages"`
	TotalCount int64 `json:"total_count"`
	HasMore    bool  `json:"has_more"`
}
