package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginengine/src/auth"
	"marginengine/src/pricing"
)

// Test index:
//  1. TestHealthcheck answers without an account.
//  2. TestAccountRoutesSeeHeader copies the account header into the handler context.
//  3. TestNilRoutesAreNotMounted keeps optional handlers out of the router.
//  4. TestHubStreamsOwnAccountOnly filters ticks by account.
//  5. TestHubRejectsAnonymousStream answers 401 before upgrading.
//  6. TestHubPublishNeverBlocks drops ticks for a client that is not reading.
//  7. TestStartServerStopsOnContext shuts down when the context ends.

func testConfig() *Config {
	return &Config{Port: "0", AllowedOrigin: "*", ClientBuffer: 4, ShutdownTimeout: time.Second}
}

func TestHealthcheck(t *testing.T) {
	router := NewRouter(Routes{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestAccountRoutesSeeHeader(t *testing.T) {
	var seen string
	router := NewRouter(Routes{
		Positions: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = auth.AccountIDFromContext(r.Context())
		}),
	})

	req := httptest.NewRequest(http.MethodGet, "/positions", nil)
	req.Header.Set(auth.AccountHeader, "acct-1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "acct-1", seen)
}

func TestNilRoutesAreNotMounted(t *testing.T) {
	router := NewRouter(Routes{})

	for _, path := range []string{"/diagnostics/quotes", "/diagnostics/candles", "/positions", "/ws/positions"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}
}

func dialStream(t *testing.T, srv *httptest.Server, accountID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/positions"
	header := http.Header{}
	header.Set(auth.AccountHeader, accountID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = resp.Body.Close()
	})
	return conn
}

func TestHubStreamsOwnAccountOnly(t *testing.T) {
	hub := NewHub(testConfig())
	srv := httptest.NewServer(NewRouter(Routes{Stream: hub}))
	defer srv.Close()

	conn := dialStream(t, srv, "acct-1")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(pricing.Tick{PositionID: "other", AccountID: "acct-2", Mark: decimal.NewFromInt(1)})
	hub.Publish(pricing.Tick{PositionID: "mine", AccountID: "acct-1", Mark: decimal.NewFromInt(2)})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got pricing.Tick
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "mine", got.PositionID)
	assert.True(t, got.Mark.Equal(decimal.NewFromInt(2)))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubRejectsAnonymousStream(t *testing.T) {
	hub := NewHub(testConfig())
	router := NewRouter(Routes{Stream: hub})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/positions", nil))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub(testConfig())
	stuck := &client{accountID: "acct-1", send: make(chan pricing.Tick, 1)}
	hub.register(stuck)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.Publish(pricing.Tick{AccountID: "acct-1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full client buffer")
	}
	assert.Equal(t, int64(9), hub.Dropped())
}

func TestStartServerStopsOnContext(t *testing.T) {
	// Reserve a free port for the server.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.Port = strconv.Itoa(port)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- StartServer(ctx, cfg, NewRouter(Routes{})) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + cfg.Port + "/healthcheck")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}
