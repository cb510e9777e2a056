package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// BalanceStore persists the last known balance so it can be shown while the
// monitor is not running.
type BalanceStore interface {
	SetBalance(decimal.Decimal) error
	ClearBalance() error
}

// Change is a bit set describing what a Notification changed.
type Change uint8

const (
	SnapshotChanged Change = 1 << iota
	ConnectionChanged
	BalanceChanged
	ErrorChanged
	LoadingChanged
)

func (c Change) Has(other Change) bool {
	return c&other != 0
}

// State is a read-only view of the monitor. Snapshot must not be modified.
type State struct {
	Snapshot      *Snapshot
	Balance       *decimal.Decimal
	Connection    ConnectionState
	LastError     error
	Loading       bool
	HasCredential bool
	UpdatedAt     time.Time
}

type Notification struct {
	Changes Change
	State   State
}

type MonitorOptions struct {
	Fetcher        SnapshotFetcher
	Transport      StreamTransport
	Balance        BalanceStore
	ReconnectDelay time.Duration
	FetchTimeout   time.Duration
	Logger         logrus.FieldLogger

	after func(time.Duration) <-chan time.Time
}

// Monitor owns the current snapshot and connection state. A single goroutine
// applies every change; sessions and fetches talk to it through messages
// tagged with their identity, and anything from a superseded session or
// fetch is discarded.
type Monitor struct {
	fetcher        SnapshotFetcher
	transport      StreamTransport
	balance        BalanceStore
	reconnectDelay time.Duration
	fetchTimeout   time.Duration
	after          func(time.Duration) <-chan time.Time
	log            logrus.FieldLogger

	inbox     chan any
	closed    chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	workers   sync.WaitGroup

	mu      sync.RWMutex
	view    State
	subs    map[int]chan Notification
	nextSub int

	// Owned by the run goroutine.
	credential  string
	session     *activeSession
	fetchGen    uint64
	fetchCancel context.CancelFunc
	snapshot    *Snapshot
	lastBalance *decimal.Decimal
	conn        ConnectionState
	lastErr     error
	loading     bool
}

type activeSession struct {
	id     string
	cancel context.CancelFunc
}

type setCredentialCmd struct {
	credential string
	refresh    bool
	done       chan struct{}
}

type stopCmd struct {
	done chan struct{}
}

type sessionStateMsg struct {
	sessionID string
	state     ConnectionState
}

type sessionEventMsg struct {
	sessionID string
	event     LiveUpdateEvent
}

type fetchResultMsg struct {
	gen        uint64
	credential string
	snapshot   *Snapshot
	err        error
}

func NewMonitor(opts MonitorOptions) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		fetcher:        opts.Fetcher,
		transport:      opts.Transport,
		balance:        opts.Balance,
		reconnectDelay: opts.ReconnectDelay,
		fetchTimeout:   fetchTimeout,
		after:          opts.after,
		log:            logger,
		inbox:          make(chan any, 64),
		closed:         make(chan struct{}),
		cancel:         cancel,
		subs:           map[int]chan Notification{},
	}
	go m.run(ctx)
	return m
}

// SetCredential switches the monitor to credential. Setting the credential
// that is already streaming is a no-op; an empty credential clears
// everything and reports ErrNoCredential.
func (m *Monitor) SetCredential(credential string) {
	m.command(&setCredentialCmd{credential: credential, refresh: false, done: make(chan struct{})})
}

// Refresh fetches a fresh snapshot for credential and makes sure a stream
// session is running for it, reusing the current session when possible.
func (m *Monitor) Refresh(credential string) {
	m.command(&setCredentialCmd{credential: credential, refresh: true, done: make(chan struct{})})
}

// StopStreaming tears down the active session. Safe without one.
func (m *Monitor) StopStreaming() {
	m.command(&stopCmd{done: make(chan struct{})})
}

// Close stops the session and any in-flight fetch and waits for them.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.closed
		m.workers.Wait()

		m.mu.Lock()
		for id, ch := range m.subs {
			delete(m.subs, id)
			close(ch)
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

func (m *Monitor) Snapshot() *Snapshot {
	return m.State().Snapshot
}

func (m *Monitor) ConnectionState() ConnectionState {
	return m.State().Connection
}

func (m *Monitor) LastError() error {
	return m.State().LastError
}

// Subscribe returns a channel of notifications and a function that ends the
// subscription. A subscriber that falls buffer notifications behind misses
// the ones in between; every notification carries the full State.
func (m *Monitor) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Notification, buffer)

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if existing, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(existing)
			}
			m.mu.Unlock()
		})
	}
}

// SessionState implements SessionSink.
func (m *Monitor) SessionState(sessionID string, state ConnectionState) {
	m.post(sessionStateMsg{sessionID: sessionID, state: state})
}

// SessionEvent implements SessionSink.
func (m *Monitor) SessionEvent(sessionID string, event LiveUpdateEvent) {
	m.post(sessionEventMsg{sessionID: sessionID, event: event})
}

func (m *Monitor) command(cmd any) {
	var done chan struct{}
	switch c := cmd.(type) {
	case *setCredentialCmd:
		done = c.done
	case *stopCmd:
		done = c.done
	}
	select {
	case m.inbox <- cmd:
	case <-m.closed:
		return
	}
	select {
	case <-done:
	case <-m.closed:
	}
}

func (m *Monitor) post(msg any) {
	select {
	case m.inbox <- msg:
	case <-m.closed:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.closed)
	for {
		select {
		case <-ctx.Done():
			m.stopSession()
			m.cancelFetch()
			return
		case msg := <-m.inbox:
			m.handle(ctx, msg)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, msg any) {
	switch v := msg.(type) {
	case *setCredentialCmd:
		m.handleSetCredential(ctx, v.credential, v.refresh)
		close(v.done)
	case *stopCmd:
		m.handleStop()
		close(v.done)
	case sessionStateMsg:
		m.handleSessionState(v)
	case sessionEventMsg:
		m.handleSessionEvent(v)
	case fetchResultMsg:
		m.handleFetchResult(v)
	}
}

func (m *Monitor) handleSetCredential(ctx context.Context, credential string, refresh bool) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		m.clearCredential()
		return
	}

	running := m.session != nil && m.credential == credential
	if running && !refresh {
		return
	}

	var changes Change
	if m.credential != credential {
		m.log.WithField("key", Fingerprint(credential)).Info("active API key changed")
		m.stopSession()
		if m.snapshot != nil {
			m.snapshot = nil
			changes |= SnapshotChanged
		}
		if m.credential != "" {
			// The balance and its persisted copy belong to the previous key.
			m.lastBalance = nil
			changes |= BalanceChanged
			if m.balance != nil {
				if err := m.balance.ClearBalance(); err != nil {
					m.log.WithError(err).Warn("could not clear cached balance")
				}
			}
		}
		m.credential = credential
	}
	if m.session == nil {
		m.startSession(ctx, credential)
		changes |= ConnectionChanged
	}
	m.lastErr = nil
	m.startFetch(ctx, credential)
	m.publish(changes | LoadingChanged | ErrorChanged)
}

func (m *Monitor) clearCredential() {
	m.stopSession()
	m.cancelFetch()
	m.credential = ""
	m.snapshot = nil
	m.lastBalance = nil
	m.conn = Idle
	m.loading = false
	m.lastErr = ErrNoCredential
	if m.balance != nil {
		if err := m.balance.ClearBalance(); err != nil {
			m.log.WithError(err).Warn("could not clear cached balance")
		}
	}
	m.publish(SnapshotChanged | ConnectionChanged | BalanceChanged | ErrorChanged | LoadingChanged)
}

func (m *Monitor) handleStop() {
	m.stopSession()
	m.publish(ConnectionChanged)
}

func (m *Monitor) startSession(ctx context.Context, credential string) {
	if m.transport == nil {
		return
	}
	session := NewSession(SessionOptions{
		Credential:     credential,
		Transport:      m.transport,
		Sink:           m,
		ReconnectDelay: m.reconnectDelay,
		Logger:         m.log,
		After:          m.after,
	})
	sessionCtx, cancel := context.WithCancel(ctx)
	m.session = &activeSession{id: session.ID(), cancel: cancel}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		session.Run(sessionCtx)
	}()
}

func (m *Monitor) stopSession() {
	if m.session != nil {
		m.session.cancel()
		m.session = nil
	}
	m.conn = Idle
}

func (m *Monitor) startFetch(ctx context.Context, credential string) {
	if m.fetcher == nil {
		return
	}
	m.cancelFetch()
	m.fetchGen++
	gen := m.fetchGen
	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	m.fetchCancel = cancel
	m.loading = true

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		defer cancel()
		snapshot, err := m.fetcher.Fetch(fetchCtx, credential)
		m.post(fetchResultMsg{gen: gen, credential: credential, snapshot: snapshot, err: err})
	}()
}

func (m *Monitor) cancelFetch() {
	if m.fetchCancel != nil {
		m.fetchCancel()
		m.fetchCancel = nil
	}
	m.loading = false
}

func (m *Monitor) handleSessionState(msg sessionStateMsg) {
	if m.session == nil || m.session.id != msg.sessionID {
		return
	}
	if m.conn == msg.state {
		return
	}
	m.conn = msg.state
	m.publish(ConnectionChanged)
}

func (m *Monitor) handleSessionEvent(msg sessionEventMsg) {
	if m.session == nil || m.session.id != msg.sessionID {
		m.log.WithField("session_id", msg.sessionID).Debug("discarding event from stale session")
		return
	}

	changes := BalanceChanged
	if m.snapshot != nil {
		merged := Apply(*m.snapshot, msg.event)
		m.snapshot = &merged
		changes |= SnapshotChanged
	}
	m.storeBalance(msg.event.Balance)
	m.publish(changes)
}

func (m *Monitor) handleFetchResult(msg fetchResultMsg) {
	if msg.gen != m.fetchGen || msg.credential != m.credential {
		return
	}
	m.fetchCancel = nil
	m.loading = false

	if msg.err != nil {
		if errors.Is(msg.err, context.Canceled) {
			m.publish(LoadingChanged)
			return
		}
		m.log.WithError(msg.err).Warn("dashboard lookup failed")
		m.lastErr = msg.err
		m.publish(ErrorChanged | LoadingChanged)
		return
	}
	if msg.snapshot == nil {
		m.lastErr = &DecodingError{Details: "lookup response", Err: errors.New("no snapshot")}
		m.publish(ErrorChanged | LoadingChanged)
		return
	}

	m.snapshot = msg.snapshot
	m.lastErr = nil
	m.storeBalance(msg.snapshot.Balance)
	m.log.WithField("balance", msg.snapshot.Balance.String()).Info("dashboard snapshot loaded")
	m.publish(SnapshotChanged | BalanceChanged | ErrorChanged | LoadingChanged)
}

func (m *Monitor) storeBalance(balance decimal.Decimal) {
	b := balance
	m.lastBalance = &b
	if m.balance == nil {
		return
	}
	if err := m.balance.SetBalance(balance); err != nil {
		m.log.WithError(err).Warn("could not persist balance")
	}
}

func (m *Monitor) publish(changes Change) {
	view := State{
		Snapshot:      m.snapshot,
		Balance:       m.lastBalance,
		Connection:    m.conn,
		LastError:     m.lastErr,
		Loading:       m.loading,
		HasCredential: m.credential != "",
		UpdatedAt:     time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.view = view
	for id, ch := range m.subs {
		select {
		case ch <- Notification{Changes: changes, State: view}:
		default:
			m.log.WithField("subscriber", id).Debug("subscriber behind; dropping notification")
		}
	}
}
