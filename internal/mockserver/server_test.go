package mockserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/olliecrow/claudible_monitor/internal/dashboard"
)

var fixedNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	srv := New(opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func postLookup(t *testing.T, srv http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, LookupPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.ServeHTTP(rec, req)
	return rec
}

func TestLookupRejectsBadBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(Options{Now: func() time.Time { return fixedNow }})

	rec := postLookup(t, srv, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookupRejectsUnknownKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(Options{Keys: []string{"sk-good"}, Now: func() time.Time { return fixedNow }})

	rec := postLookup(t, srv, `{"key":"sk-bad"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "valid").Bool())

	rec = postLookup(t, srv, `{"key":""}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLookupBodyShape(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(Options{
		UserName:       "Ada",
		InitialBalance: decimal.RequireFromString("42.5"),
		Now:            func() time.Time { return fixedNow },
	})

	rec := postLookup(t, srv, `{"key":"sk-any"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "valid").Bool())
	assert.Equal(t, "Ada", gjson.Get(body, "userName").String())
	assert.Equal(t, gjson.Number, gjson.Get(body, "balance").Type)
	assert.Equal(t, 42.5, gjson.Get(body, "balance").Float())
	assert.Equal(t, int64(0), gjson.Get(body, "stats.totalRequests").Int())
	assert.True(t, gjson.Get(body, "analytics.daysRemaining").Exists())
}

func TestEventsUpdateLedger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(Options{InitialBalance: decimal.NewFromInt(10), Now: func() time.Time { return fixedNow }})
	acct := srv.account("sk-any")

	var frames []gin.H
	for i := 0; i < 3; i++ {
		frames = append(frames, acct.nextEvent(fixedNow.Add(time.Duration(i)*time.Second), defaultModels))
	}

	assert.Equal(t, 3, acct.totalRequests)
	assert.Len(t, acct.usage, 3)
	assert.Equal(t, int64(3), acct.usage[0].id, "newest row first")
	assert.True(t, acct.balance.Equal(decimal.NewFromInt(10).Sub(acct.totalCost)))
	assert.Equal(t, fixedNow.Add(2*time.Second), acct.lastUsed)

	data, err := json.Marshal(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "usage_update", gjson.GetBytes(data, "type").String())
	assert.False(t, gjson.GetBytes(data, "data.usage.id").Exists(), "stream rows carry no id")
}

func TestUsageRowsAreCapped(t *testing.T) {
	acct := &account{balance: decimal.NewFromInt(1000)}
	for i := 0; i < maxUsageRows+7; i++ {
		acct.nextEvent(fixedNow.Add(time.Duration(i)*time.Minute), defaultModels)
	}
	assert.Len(t, acct.usage, maxUsageRows)
	assert.Equal(t, maxUsageRows+7, acct.totalRequests)
}

func TestCostFor(t *testing.T) {
	got := costFor(1_000_000, 0)
	assert.True(t, got.Equal(decimal.NewFromInt(3)), "got %s", got)

	got = costFor(1000, 100)
	assert.True(t, got.Equal(decimal.RequireFromString("0.0045")), "got %s", got)
}

func TestLookupClientAgainstServer(t *testing.T) {
	_, ts := newTestServer(t, Options{UserName: "Grace", InitialBalance: decimal.NewFromInt(100)})

	client := dashboard.NewLookupClient(ts.URL+LookupPath, 5*time.Second)
	snapshot, err := client.Fetch(context.Background(), "sk-integration")
	require.NoError(t, err)
	assert.True(t, snapshot.Valid)
	assert.Equal(t, "Welcome back, Grace", snapshot.WelcomeText())
	assert.True(t, snapshot.Balance.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, snapshot.Usage)
}

func TestStreamRejectsUnknownKey(t *testing.T) {
	_, ts := newTestServer(t, Options{Keys: []string{"sk-good"}})

	res, err := http.Get(ts.URL + StreamPath + "?key=sk-bad")
	require.NoError(t, err)
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	transport := dashboard.NewWebSocketTransport(wsURL(ts), time.Second)
	_, err = transport.Open(context.Background(), "sk-bad")
	require.Error(t, err)
	var transportErr *dashboard.TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestStreamDeliversFramesAndDrops(t *testing.T) {
	_, ts := newTestServer(t, Options{
		EventInterval:     10 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		DropAfter:         2,
	})

	transport := dashboard.NewWebSocketTransport(wsURL(ts), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Open(ctx, "sk-stream")
	require.NoError(t, err)
	defer conn.Close()

	updates := 0
	sawHeartbeat := false
	for {
		frame, err := conn.ReceiveFrame(ctx)
		if err != nil {
			var transportErr *dashboard.TransportError
			require.ErrorAs(t, err, &transportErr, "server drop surfaces as a transport error")
			break
		}
		switch gjson.GetBytes(frame, "type").String() {
		case "usage_update":
			updates++
			assert.True(t, gjson.GetBytes(frame, "data.balance").Exists())
			assert.True(t, gjson.GetBytes(frame, "data.usage.costUSD").Exists())
		case "heartbeat":
			sawHeartbeat = true
		}
	}
	assert.Equal(t, 2, updates)
	assert.True(t, sawHeartbeat)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + StreamPath
}
