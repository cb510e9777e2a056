package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const waitTimeout = 2 * time.Second

type frameResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	credential string
	frames     chan frameResult
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeConn(credential string) *fakeConn {
	return &fakeConn{
		credential: credential,
		frames:     make(chan frameResult, 16),
		closed:     make(chan struct{}),
	}
}

func (c *fakeConn) ReceiveFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, &TransportError{Op: "receive", Err: errors.New("use of closed connection")}
	case f := <-c.frames:
		return f.data, f.err
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(data string) {
	c.frames <- frameResult{data: []byte(data)}
}

func (c *fakeConn) fail(err error) {
	c.frames <- frameResult{err: err}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeTransport hands out fakeConns and publishes each on conns. Queued
// errors fail that many Open calls first.
type fakeTransport struct {
	mu       sync.Mutex
	failures []error
	opens    []string
	conns    chan *fakeConn
}

func newFakeTransport(failures ...error) *fakeTransport {
	return &fakeTransport{failures: failures, conns: make(chan *fakeConn, 32)}
}

func (t *fakeTransport) Open(ctx context.Context, credential string) (StreamConn, error) {
	t.mu.Lock()
	t.opens = append(t.opens, credential)
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := newFakeConn(credential)
	t.conns <- conn
	return conn, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opens)
}

func (t *fakeTransport) nextConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case conn := <-t.conns:
		return conn
	case <-time.After(waitTimeout):
		tb.Fatalf("timed out waiting for stream connection")
		return nil
	}
}

// manualClock replaces time.After so tests decide when a reconnect delay ends.
type manualClock struct {
	waits chan manualWait
}

type manualWait struct {
	delay time.Duration
	fire  chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{waits: make(chan manualWait, 32)}
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	w := manualWait{delay: d, fire: make(chan time.Time, 1)}
	c.waits <- w
	return w.fire
}

func (c *manualClock) nextWait(tb testing.TB) manualWait {
	tb.Helper()
	select {
	case w := <-c.waits:
		return w
	case <-time.After(waitTimeout):
		tb.Fatalf("timed out waiting for reconnect delay")
		return manualWait{}
	}
}

func (w manualWait) elapse() {
	w.fire <- time.Now()
}

type recordingSink struct {
	mu     sync.Mutex
	states []ConnectionState
	events []LiveUpdateEvent
	stateC chan ConnectionState
	eventC chan LiveUpdateEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		stateC: make(chan ConnectionState, 64),
		eventC: make(chan LiveUpdateEvent, 64),
	}
}

func (s *recordingSink) SessionState(_ string, state ConnectionState) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
	s.stateC <- state
}

func (s *recordingSink) SessionEvent(_ string, event LiveUpdateEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.eventC <- event
}

func (s *recordingSink) waitState(tb testing.TB, want ConnectionState) {
	tb.Helper()
	select {
	case got := <-s.stateC:
		if got != want {
			tb.Fatalf("state = %s, want %s", got, want)
		}
	case <-time.After(waitTimeout):
		tb.Fatalf("timed out waiting for state %s", want)
	}
}

func (s *recordingSink) waitEvent(tb testing.TB) LiveUpdateEvent {
	tb.Helper()
	select {
	case ev := <-s.eventC:
		return ev
	case <-time.After(waitTimeout):
		tb.Fatalf("timed out waiting for event")
		return LiveUpdateEvent{}
	}
}

func (s *recordingSink) recordedStates() []ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionState(nil), s.states...)
}

func (s *recordingSink) recordedEvents() []LiveUpdateEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LiveUpdateEvent(nil), s.events...)
}

// stubFetcher returns canned results per credential. When gate is set, Fetch
// blocks until a value arrives on it or ctx ends.
type stubFetcher struct {
	mu        sync.Mutex
	snapshots map[string]*Snapshot
	err       error
	calls     []string
	gate      chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, credential string) (*Snapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, credential)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	snapshot, ok := f.snapshots[credential]
	if !ok {
		return nil, &ServerError{StatusCode: 401, Body: `{"valid":false}`}
	}
	clone := *snapshot
	clone.Usage = append([]UsageRecord(nil), snapshot.Usage...)
	return &clone, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memoryBalance struct {
	mu      sync.Mutex
	value   *decimal.Decimal
	cleared int
}

func (b *memoryBalance) SetBalance(d decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = &d
	return nil
}

func (b *memoryBalance) ClearBalance() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = nil
	b.cleared++
	return nil
}

func (b *memoryBalance) get() *decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func usageFrame(balance, createdAt, cost string) string {
	return fmt.Sprintf(`{"type":"usage_update","timestamp":%q,"data":{"balance":%s,"usage":{"model":"claude-3-5-sonnet","promptTokens":120,"completionTokens":30,"costUSD":%s,"createdAt":%q}}}`,
		createdAt, balance, cost, createdAt)
}

func liveEvent(balance, createdAt, cost string, prompt, completion int) LiveUpdateEvent {
	return LiveUpdateEvent{
		Type:      EventTypeUsageUpdate,
		Timestamp: ts(createdAt),
		Balance:   dec(balance),
		UsageDelta: UsageDelta{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			CostUSD:          dec(cost),
			CreatedAt:        ts(createdAt),
			Model:            "claude-3-5-sonnet",
		},
	}
}

func baseSnapshot() *Snapshot {
	return &Snapshot{
		Valid:     true,
		Balance:   dec("100"),
		Status:    "active",
		LastUsed:  ts("2026-05-01T09:00:00Z"),
		CreatedAt: ts("2026-01-01T00:00:00Z"),
		Stats: UsageStats{
			TotalRequests:    10,
			PromptTokens:     1000,
			CompletionTokens: 500,
			TotalCost:        dec("1.25"),
		},
		UserName: "Ada",
	}
}
