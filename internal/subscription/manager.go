package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"dexflow/config"
	"dexflow/internal/metrics"
	"dexflow/internal/models"
	"dexflow/internal/retry"
	"dexflow/logger"
)

const (
	defaultKeepAlive   = 20 * time.Second
	defaultReadTimeout = 60 * time.Second
	writeTimeout       = 10 * time.Second
)

// Account is one tracked account and the market role it serves.
type Account struct {
	Address  string
	MarketID string
	Role     models.AccountRole
}

// AccountsFor lists the three tracked accounts of every market.
func AccountsFor(markets []models.Market) []Account {
	out := make([]Account, 0, len(markets)*3)
	for _, m := range markets {
		for _, role := range []models.AccountRole{models.RoleEventQueue, models.RoleBids, models.RoleAsks} {
			out = append(out, Account{Address: m.Addresses()[role], MarketID: m.ID, Role: role})
		}
	}
	return out
}

// Sink receives account updates. Send blocks until the update is accepted or
// ctx is done.
type Sink interface {
	Send(ctx context.Context, upd models.RawAccountUpdate) bool
}

type Options struct {
	URL        string
	Commitment string
	// Reconnect paces reconnects. Zero Attempts retries forever.
	Reconnect      retry.Policy
	KeepAlive      time.Duration
	ReadTimeout    time.Duration
	SubscribeRate  rate.Limit
	SubscribeBurst int
	Dialer         *websocket.Dialer
	// OnStateChange is called on every transition, never concurrently.
	OnStateChange func(Status)
}

// OptionsFromConfig maps the source section onto manager options.
func OptionsFromConfig(c config.SourceConfig) Options {
	policy := retry.FromConfig(c.Reconnect)
	policy.Attempts = c.Reconnect.MaxAttempts

	limit := rate.Inf
	if c.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(c.RateLimit.RequestsPerSecond)
	}
	return Options{
		URL:            c.WSURL,
		Commitment:     c.Commitment,
		Reconnect:      policy,
		KeepAlive:      c.KeepAlive,
		ReadTimeout:    c.ReadTimeout,
		SubscribeRate:  limit,
		SubscribeBurst: c.RateLimit.BurstSize,
	}
}

// Manager keeps one accountSubscribe per tracked account on a single
// websocket and forwards notifications to the sink.
type Manager struct {
	opts      Options
	accounts  []Account
	byAddress map[string]Account
	sink      Sink
	limiter   *rate.Limiter

	// lastSlot is only touched by the read loop; sessions never overlap.
	lastSlot map[string]uint64

	mu      sync.RWMutex
	status  Status
	running bool
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	done    chan struct{}
	log     *logger.Entry
}

func NewManager(opts Options, accounts []Account, sink Sink) (*Manager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("subscription: websocket url is required")
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("subscription: no accounts to track")
	}
	if sink == nil {
		return nil, fmt.Errorf("subscription: sink is required")
	}

	byAddress := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		if a.Address == "" {
			return nil, fmt.Errorf("subscription: market %s has no %s address", a.MarketID, a.Role)
		}
		if prev, dup := byAddress[a.Address]; dup {
			return nil, fmt.Errorf("subscription: address %s tracked by %s and %s", a.Address, prev.MarketID, a.MarketID)
		}
		byAddress[a.Address] = a
	}

	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SubscribeRate == 0 {
		opts.SubscribeRate = rate.Inf
	}
	if opts.SubscribeBurst <= 0 {
		opts.SubscribeBurst = 1
	}
	if opts.Reconnect.Min <= 0 {
		attempts := opts.Reconnect.Attempts
		opts.Reconnect = retry.FromConfig(config.RetryConfig{})
		opts.Reconnect.Attempts = attempts
	}

	return &Manager{
		opts:      opts,
		accounts:  accounts,
		byAddress: byAddress,
		sink:      sink,
		limiter:   rate.NewLimiter(opts.SubscribeRate, opts.SubscribeBurst),
		lastSlot:  make(map[string]uint64, len(accounts)),
		status:    Status{State: StateIdle, Since: time.Now()},
		wg:        &sync.WaitGroup{},
		done:      make(chan struct{}),
		log:       logger.GetLogger().WithComponent("subscription"),
	}, nil
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("subscription manager already running")
	}
	m.running = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.log.WithFields(logger.Fields{
		"url":        m.opts.URL,
		"accounts":   len(m.accounts),
		"commitment": m.opts.Commitment,
	}).Info("starting subscription manager")

	m.wg.Add(1)
	go m.run(runCtx)
	return nil
}

// Stop cancels the stream and waits for the manager goroutine to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("subscription manager stopped")
}

// Done is closed once the manager reaches StateFailed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	s.Since = time.Now()
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()

	metrics.SetStreamConnected(s.State == StateConnected)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.done)

	b := m.opts.Reconnect.Backoff()
	attempt := 0

	for {
		err := m.connectAndServe(ctx, func() {
			b.Reset()
			attempt = 0
			m.setStatus(Status{State: StateConnected})
		})
		if ctx.Err() != nil {
			m.setStatus(Status{State: StateFailed, Err: ctx.Err()})
			return
		}

		attempt++
		if limit := m.opts.Reconnect.Attempts; limit > 0 && attempt > limit {
			m.log.WithError(err).WithField("attempts", limit).Error("giving up on account stream")
			m.setStatus(Status{State: StateFailed, Attempt: attempt, Err: err})
			return
		}

		delay := b.Duration()
		m.log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("account stream lost; reconnecting")
		m.setStatus(Status{State: StateReconnecting, Attempt: attempt, Delay: delay, Err: err})
		metrics.ObserveReconnect(attempt)

		if waitForReconnect(ctx, delay) {
			m.setStatus(Status{State: StateFailed, Err: ctx.Err()})
			return
		}
	}
}

// connectAndServe runs one connection until it fails or ctx is done.
// onConnected fires once the node has confirmed every subscription. A
// rejected subscription ends the connection so the whole set is requested
// again after backoff.
func (m *Manager) connectAndServe(ctx context.Context, onConnected func()) error {
	conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		return &ConnectionError{URL: m.opts.URL, Op: "dial", Err: err}
	}
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	deadline := func() error { return conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout)) }
	_ = deadline()
	conn.SetPongHandler(func(string) error { return deadline() })

	s := newSession(len(m.accounts))
	readErr := make(chan error, 1)
	go func() { readErr <- m.readLoop(sessCtx, conn, s, deadline, onConnected) }()

	if err := m.subscribeAll(sessCtx, conn, s); err != nil {
		cancel()
		<-readErr
		return &ConnectionError{URL: m.opts.URL, Op: "subscribe", Err: err}
	}

	pingCancel := startPingLoop(sessCtx, conn, m.opts.KeepAlive, m.log)
	defer pingCancel()

	err = <-readErr
	var rejected *SubscribeError
	if errors.As(err, &rejected) {
		return &ConnectionError{URL: m.opts.URL, Op: "subscribe", Err: err}
	}
	return &ConnectionError{URL: m.opts.URL, Op: "read", Err: err}
}

func (m *Manager) subscribeAll(ctx context.Context, conn *websocket.Conn, s *session) error {
	for _, a := range m.accounts {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		id := s.expect(a.Address)
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(accountSubscribe(id, a.Address, m.opts.Commitment)); err != nil {
			return fmt.Errorf("subscribe %s: %w", a.Address, err)
		}
	}
	m.log.WithField("accounts", len(m.accounts)).Debug("subscribe requests sent")
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, s *session, deadline func() error, onConnected func()) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		_ = deadline()

		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			m.log.WithError(err).Warn("unparseable stream message")
			continue
		}

		switch {
		case in.Method == methodAccountNotification:
			m.handleNotification(ctx, s, &in)
		case in.ID != nil:
			complete, err := m.handleResponse(s, &in)
			if err != nil {
				return err
			}
			if complete {
				onConnected()
			}
		}
	}
}

// handleResponse records a subscribe result. complete is set by the response
// that confirms the last tracked account.
func (m *Manager) handleResponse(s *session, in *inbound) (complete bool, err error) {
	if in.Error != nil {
		address := s.fail(*in.ID)
		m.log.WithError(in.Error).WithField("address", address).Error("account subscription rejected")
		return false, &SubscribeError{Address: address, Err: in.Error}
	}
	var subID int64
	if err := json.Unmarshal(in.Result, &subID); err != nil {
		m.log.WithError(err).WithField("request_id", *in.ID).Warn("unexpected subscribe result")
		return false, nil
	}
	address, ok, complete := s.confirm(*in.ID, subID)
	if !ok {
		return false, nil
	}
	m.log.WithFields(logger.Fields{"address": address, "subscription": subID}).Debug("account subscribed")
	if complete {
		m.log.WithField("accounts", len(m.accounts)).Info("all accounts subscribed")
	}
	return complete, nil
}

func (m *Manager) handleNotification(ctx context.Context, s *session, in *inbound) {
	n, err := in.decodeNotification()
	if err != nil {
		m.log.WithError(err).Warn("bad account notification")
		return
	}
	address, ok := s.address(n.Subscription)
	if !ok {
		m.log.WithField("subscription", n.Subscription).Warn("notification for unknown subscription")
		return
	}
	acct := m.byAddress[address]

	if last, seen := m.lastSlot[address]; seen && n.Slot < last {
		m.log.WithFields(logger.Fields{
			"address": address,
			"slot":    n.Slot,
			"last":    last,
		}).Debug("dropping out-of-order notification")
		metrics.EmitDropMetric(nil, metrics.DropMetricStaleSlot, acct.MarketID, string(acct.Role), "subscription")
		return
	}
	m.lastSlot[address] = n.Slot

	logger.IncrementAccountUpdate(len(n.Data))
	m.sink.Send(ctx, models.RawAccountUpdate{
		Address:    address,
		MarketID:   acct.MarketID,
		Role:       acct.Role,
		Data:       n.Data,
		Slot:       n.Slot,
		ReceivedAt: time.Now().UTC(),
	})
}

// session holds the request and subscription ids of one connection.
type session struct {
	mu        sync.Mutex
	nextID    int64
	pending   map[int64]string
	subs      map[int64]string
	confirmed int
	total     int
}

func newSession(total int) *session {
	return &session{pending: make(map[int64]string), subs: make(map[int64]string), total: total}
}

func (s *session) expect(address string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.pending[s.nextID] = address
	return s.nextID
}

func (s *session) confirm(reqID, subID int64) (address string, ok bool, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	address, ok = s.pending[reqID]
	if !ok {
		return "", false, false
	}
	delete(s.pending, reqID)
	s.subs[subID] = address
	s.confirmed++
	return address, true, s.confirmed == s.total
}

func (s *session) fail(reqID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	address := s.pending[reqID]
	delete(s.pending, reqID)
	return address
}

func (s *session) address(subID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.subs[subID]
	return a, ok
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
