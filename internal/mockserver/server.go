// Package mockserver serves a local stand-in for the dashboard backend: the
// lookup endpoint and a WebSocket stream that pushes synthetic usage.
package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	LookupPath = "/dashboard/lookup"
	StreamPath = "/dashboard/ws"

	maxUsageRows   = 50
	wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"
	writeWait      = 5 * time.Second
)

var defaultModels = []string{"claude-3-5-sonnet", "claude-3-5-haiku", "claude-3-opus"}

type Options struct {
	// Keys that the server accepts. Empty accepts any non-empty key.
	Keys []string

	UserName       string
	InitialBalance decimal.Decimal

	// EventInterval is the gap between usage_update frames.
	EventInterval time.Duration

	// HeartbeatInterval is the gap between heartbeat frames. Zero disables them.
	HeartbeatInterval time.Duration

	// DropAfter closes each stream after that many usage events. Zero never drops.
	DropAfter int

	Models []string
	Logger log.FieldLogger
	Now    func() time.Time
}

// Server implements http.Handler.
type Server struct {
	opts     Options
	engine   *gin.Engine
	upgrader websocket.Upgrader
	log      log.FieldLogger

	mu       sync.Mutex
	accounts map[string]*account
	allowed  map[string]struct{}
}

func New(opts Options) *Server {
	if opts.EventInterval <= 0 {
		opts.EventInterval = 3 * time.Second
	}
	if opts.UserName == "" {
		opts.UserName = "Demo User"
	}
	if opts.InitialBalance.IsZero() {
		opts.InitialBalance = decimal.NewFromInt(100)
	}
	if len(opts.Models) == 0 {
		opts.Models = defaultModels
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &Server{
		opts:     opts,
		log:      logger.WithField("component", "mockserver"),
		accounts: map[string]*account{},
		allowed:  map[string]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, key := range opts.Keys {
		if key = strings.TrimSpace(key); key != "" {
			s.allowed[key] = struct{}{}
		}
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST(LookupPath, s.handleLookup)
	engine.GET(StreamPath, s.handleStream)
	s.engine = engine
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

type lookupRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleLookup(c *gin.Context) {
	var req lookupRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	key := strings.TrimSpace(req.Key)
	if !s.accepts(key) {
		c.JSON(http.StatusUnauthorized, gin.H{"valid": false, "error": "invalid key"})
		return
	}

	acct := s.account(key)
	s.mu.Lock()
	body := acct.lookupBody(s.opts.Now().UTC())
	s.mu.Unlock()
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStream(c *gin.Context) {
	key := strings.TrimSpace(c.Query("key"))
	if !s.accepts(key) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid key"})
		return
	}
	conn, errUpgrade := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if errUpgrade != nil {
		s.log.WithError(errUpgrade).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// Reading is required for control frames; any read error ends the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := s.log.WithField("remote", c.ClientIP())
	logger.Info("stream client connected")
	s.pump(ctx, conn, s.account(key), logger)
	logger.Info("stream client disconnected")
}

func (s *Server) pump(ctx context.Context, conn *websocket.Conn, acct *account, logger log.FieldLogger) {
	events := time.NewTicker(s.opts.EventInterval)
	defer events.Stop()

	var heartbeat <-chan time.Time
	if s.opts.HeartbeatInterval > 0 {
		t := time.NewTicker(s.opts.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			frame := gin.H{"type": "heartbeat", "timestamp": s.opts.Now().UTC().Format(wireTimeLayout)}
			if err := writeJSON(conn, frame); err != nil {
				logger.WithError(err).Debug("heartbeat write failed")
				return
			}
		case <-events.C:
			s.mu.Lock()
			frame := acct.nextEvent(s.opts.Now().UTC(), s.opts.Models)
			s.mu.Unlock()
			if err := writeJSON(conn, frame); err != nil {
				logger.WithError(err).Debug("event write failed")
				return
			}
			sent++
			if s.opts.DropAfter > 0 && sent >= s.opts.DropAfter {
				logger.WithField("events", sent).Info("dropping stream connection")
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) accepts(key string) bool {
	if key == "" {
		return false
	}
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[key]
	return ok
}

func (s *Server) account(key string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[key]
	if !ok {
		now := s.opts.Now().UTC()
		acct = &account{
			userName:  s.opts.UserName,
			balance:   s.opts.InitialBalance,
			createdAt: now.Add(-24 * time.Hour),
			lastUsed:  now.Add(-24 * time.Hour),
		}
		s.accounts[key] = acct
	}
	return acct
}

// account is the server-side ledger for one key. Guarded by Server.mu.
type account struct {
	userName  string
	balance   decimal.Decimal
	createdAt time.Time
	lastUsed  time.Time

	totalRequests    int
	promptTokens     int
	completionTokens int
	totalCost        decimal.Decimal

	usage  []usageRow
	nextID int64
}

type usageRow struct {
	id               int64
	model            string
	promptTokens     int
	completionTokens int
	cost             decimal.Decimal
	createdAt        time.Time
}

func (r usageRow) wire(withID bool) gin.H {
	out := gin.H{
		"model":            r.model,
		"promptTokens":     r.promptTokens,
		"completionTokens": r.completionTokens,
		"costUSD":          number(r.cost),
		"createdAt":        r.createdAt.Format(wireTimeLayout),
	}
	if withID {
		out["id"] = r.id
	}
	return out
}

func (a *account) nextEvent(now time.Time, models []string) gin.H {
	a.nextID++
	seq := int(a.nextID)
	row := usageRow{
		id:               a.nextID,
		model:            models[seq%len(models)],
		promptTokens:     800 + (seq*137)%2000,
		completionTokens: 200 + (seq*53)%600,
		createdAt:        now,
	}
	row.cost = costFor(row.promptTokens, row.completionTokens)

	a.balance = a.balance.Sub(row.cost)
	a.totalRequests++
	a.promptTokens += row.promptTokens
	a.completionTokens += row.completionTokens
	a.totalCost = a.totalCost.Add(row.cost)
	if now.After(a.lastUsed) {
		a.lastUsed = now
	}
	a.usage = append([]usageRow{row}, a.usage...)
	if len(a.usage) > maxUsageRows {
		a.usage = a.usage[:maxUsageRows]
	}

	return gin.H{
		"type":      "usage_update",
		"timestamp": now.Format(wireTimeLayout),
		"data": gin.H{
			"balance": number(a.balance),
			"usage":   row.wire(false),
		},
	}
}

// costFor prices tokens at $3 per million prompt and $15 per million completion.
func costFor(prompt, completion int) decimal.Decimal {
	micros := decimal.NewFromInt(int64(prompt*3 + completion*15))
	return micros.Div(decimal.NewFromInt(1_000_000)).Round(6)
}

func (a *account) lookupBody(now time.Time) gin.H {
	usage := make([]gin.H, 0, len(a.usage))
	for _, row := range a.usage {
		usage = append(usage, row.wire(true))
	}
	return gin.H{
		"valid":     true,
		"balance":   number(a.balance),
		"status":    "active",
		"lastUsed":  a.lastUsed.Format(wireTimeLayout),
		"createdAt": a.createdAt.Format(wireTimeLayout),
		"stats": gin.H{
			"totalRequests":    a.totalRequests,
			"promptTokens":     a.promptTokens,
			"completionTokens": a.completionTokens,
			"totalCost":        number(a.totalCost),
		},
		"usage":                 usage,
		"accountType":           "balance",
		"dailyQuota":            0,
		"subscriptionExpiresAt": a.createdAt.AddDate(1, 0, 0).Format(wireTimeLayout),
		"subscriptionActive":    false,
		"userName":              a.userName,
		"analytics":             a.analytics(now),
	}
}

func (a *account) analytics(now time.Time) gin.H {
	type dayTotals struct {
		requests, input, output int
		cost                    decimal.Decimal
	}
	days := map[string]*dayTotals{}
	models := map[string]decimal.Decimal{}
	hours := map[int]*dayTotals{}
	for _, row := range a.usage {
		date := row.createdAt.Format("2006-01-02")
		d, ok := days[date]
		if !ok {
			d = &dayTotals{}
			days[date] = d
		}
		d.requests++
		d.input += row.promptTokens
		d.output += row.completionTokens
		d.cost = d.cost.Add(row.cost)

		models[row.model] = models[row.model].Add(row.cost)

		h, ok := hours[row.createdAt.Hour()]
		if !ok {
			h = &dayTotals{}
			hours[row.createdAt.Hour()] = h
		}
		h.requests++
		h.cost = h.cost.Add(row.cost)
	}

	dates := make([]string, 0, len(days))
	for date := range days {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	daily := make([]gin.H, 0, len(dates))
	for _, date := range dates {
		d := days[date]
		daily = append(daily, gin.H{
			"date":              date,
			"totalRequests":     d.requests,
			"totalInputTokens":  d.input,
			"totalOutputTokens": d.output,
			"totalCostUSD":      number(d.cost),
		})
	}

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return models[names[i]].GreaterThan(models[names[j]])
	})
	breakdown := make([]gin.H, 0, len(names))
	for _, name := range names {
		breakdown = append(breakdown, gin.H{"model": name, "totalCostUSD": number(models[name])})
	}

	hourly := make([]gin.H, 0, 24)
	for hour := 0; hour < 24; hour++ {
		h, ok := hours[hour]
		if !ok {
			continue
		}
		hourly = append(hourly, gin.H{"hourOfDay": hour, "totalRequests": h.requests, "totalCostUSD": number(h.cost)})
	}

	perMinute := decimal.Zero
	runway := decimal.Zero
	if minutes := now.Sub(a.createdAt).Minutes(); minutes > 0 && a.totalCost.IsPositive() {
		perMinute = a.totalCost.Div(decimal.NewFromFloat(minutes)).Round(6)
		if perMinute.IsPositive() {
			runway = a.balance.Div(perMinute).Round(0)
		}
	}
	return gin.H{
		"dailyUsage":         daily,
		"modelBreakdown":     breakdown,
		"hourlyDistribution": hourly,
		"daysRemaining": gin.H{
			"runwayMinutes":    number(runway),
			"avgCostPerMinute": number(perMinute),
			"avgDailyCost7d":   number(perMinute.Mul(decimal.NewFromInt(1440)).Round(4)),
		},
	}
}

// number keeps money as a JSON number rather than a quoted string.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
