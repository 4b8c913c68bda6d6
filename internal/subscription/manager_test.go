package subscription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexflow/internal/models"
	"dexflow/internal/retry"
)

type capturedRequest struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode is a websocket endpoint speaking the account subscription
// protocol. script runs once per accepted connection.
type fakeNode struct {
	srv    *httptest.Server
	mu     sync.Mutex
	conns  int
	script func(n int, c *nodeConn)
}

type nodeConn struct {
	t    *testing.T
	conn *websocket.Conn
	subs map[string]int64
}

func newFakeNode(t *testing.T, script func(n int, c *nodeConn)) *fakeNode {
	t.Helper()
	node := &fakeNode{script: script}
	upgrader := websocket.Upgrader{}
	node.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		node.mu.Lock()
		node.conns++
		n := node.conns
		node.mu.Unlock()

		node.script(n, &nodeConn{t: t, conn: conn, subs: map[string]int64{}})
	}))
	t.Cleanup(node.srv.Close)
	return node
}

func (f *fakeNode) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// accept answers n subscribe requests and returns the addresses in order.
func (c *nodeConn) accept(n int) []string {
	return c.acceptExcept(n, "")
}

// acceptExcept answers n subscribe requests, rejecting the one for reject.
func (c *nodeConn) acceptExcept(n int, reject string) []string {
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var req capturedRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return addrs
		}
		var addr string
		_ = json.Unmarshal(req.Params[0], &addr)
		addrs = append(addrs, addr)
		if addr == reject {
			_ = c.conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32602, "message": "Invalid param: could not find account"},
			})
			continue
		}
		sub := int64(100 + len(c.subs))
		c.subs[addr] = sub
		_ = c.conn.WriteJSON(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": sub})
	}
	return addrs
}

func (c *nodeConn) notify(addr string, slot uint64, data []byte) {
	_ = c.conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "accountNotification",
		"params": map[string]interface{}{
			"subscription": c.subs[addr],
			"result": map[string]interface{}{
				"context": map[string]interface{}{"slot": slot},
				"value": map[string]interface{}{
					"data":  []string{base64.StdEncoding.EncodeToString(data), "base64"},
					"owner": "srmqPvymJeFKQ4zGQed1GFppgkRHL9kaELCbyksJtPX",
				},
			},
		},
	})
}

// hold keeps the connection open until the client goes away.
func (c *nodeConn) hold() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type chanSink struct{ ch chan models.RawAccountUpdate }

func (s chanSink) Send(ctx context.Context, upd models.RawAccountUpdate) bool {
	select {
	case s.ch <- upd:
		return true
	case <-ctx.Done():
		return false
	}
}

func testAccounts() []Account {
	return AccountsFor([]models.Market{{
		ID:         "SOL-USDC",
		Bids:       "bids-addr",
		Asks:       "asks-addr",
		EventQueue: "eq-addr",
	}})
}

func fastOptions(url string) Options {
	return Options{
		URL:         url,
		Commitment:  "confirmed",
		Reconnect:   retry.Policy{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
		KeepAlive:   time.Second,
		ReadTimeout: 5 * time.Second,
	}
}

func receive(t *testing.T, ch <-chan models.RawAccountUpdate) models.RawAccountUpdate {
	t.Helper()
	select {
	case upd := <-ch:
		return upd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for account update")
		return models.RawAccountUpdate{}
	}
}

func TestManagerDeliversInSlotOrderPerAccount(t *testing.T) {
	node := newFakeNode(t, func(n int, c *nodeConn) {
		c.accept(3)
		c.notify("eq-addr", 10, []byte{1})
		c.notify("eq-addr", 9, []byte{2})
		c.notify("bids-addr", 5, []byte{3})
		c.notify("eq-addr", 10, []byte{4})
		c.notify("eq-addr", 11, []byte{5})
		c.hold()
	})

	sink := chanSink{ch: make(chan models.RawAccountUpdate, 16)}
	m, err := NewManager(fastOptions(node.url()), testAccounts(), sink)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	var got []byte
	for i := 0; i < 4; i++ {
		upd := receive(t, sink.ch)
		got = append(got, upd.Data[0])
		if upd.Data[0] == 3 {
			assert.Equal(t, models.RoleBids, upd.Role)
			assert.Equal(t, "SOL-USDC", upd.MarketID)
			assert.Equal(t, uint64(5), upd.Slot)
		}
	}
	assert.Equal(t, []byte{1, 3, 4, 5}, got, "slot 9 after slot 10 must be dropped")
	assert.Equal(t, StateConnected, m.Status().State)
}

func TestManagerReconnectsAndResubscribesEverything(t *testing.T) {
	perConn := make(chan []string, 4)
	node := newFakeNode(t, func(n int, c *nodeConn) {
		perConn <- c.accept(3)
		if n == 1 {
			return
		}
		c.notify("asks-addr", 42, []byte{9})
		c.hold()
	})

	var mu sync.Mutex
	var states []Status
	opts := fastOptions(node.url())
	opts.OnStateChange = func(s Status) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	sink := chanSink{ch: make(chan models.RawAccountUpdate, 4)}
	m, err := NewManager(opts, testAccounts(), sink)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	upd := receive(t, sink.ch)
	assert.Equal(t, "asks-addr", upd.Address)

	first, second := <-perConn, <-perConn
	assert.ElementsMatch(t, []string{"eq-addr", "bids-addr", "asks-addr"}, first)
	assert.ElementsMatch(t, first, second)

	mu.Lock()
	defer mu.Unlock()
	var sawReconnect bool
	for _, s := range states {
		if s.State == StateReconnecting {
			sawReconnect = true
			assert.Equal(t, 1, s.Attempt)
			assert.Greater(t, s.Delay, time.Duration(0))
			var connErr *ConnectionError
			assert.ErrorAs(t, s.Err, &connErr)
		}
	}
	assert.True(t, sawReconnect, "expected a reconnecting transition, got %v", states)
}

func TestManagerResubscribesAfterRejection(t *testing.T) {
	perConn := make(chan []string, 4)
	node := newFakeNode(t, func(n int, c *nodeConn) {
		if n == 1 {
			perConn <- c.acceptExcept(3, "bids-addr")
			c.hold()
			return
		}
		perConn <- c.accept(3)
		c.notify("bids-addr", 7, []byte{1})
		c.hold()
	})

	var mu sync.Mutex
	var states []Status
	opts := fastOptions(node.url())
	opts.OnStateChange = func(s Status) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	sink := chanSink{ch: make(chan models.RawAccountUpdate, 4)}
	m, err := NewManager(opts, testAccounts(), sink)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	upd := receive(t, sink.ch)
	assert.Equal(t, "bids-addr", upd.Address)
	assert.Equal(t, models.RoleBids, upd.Role)

	first, second := <-perConn, <-perConn
	assert.Contains(t, first, "bids-addr")
	assert.ElementsMatch(t, []string{"eq-addr", "bids-addr", "asks-addr"}, second)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateReconnecting, states[0].State, "a partial subscription set must not count as connected")
	var rejected *SubscribeError
	require.ErrorAs(t, states[0].Err, &rejected)
	assert.Equal(t, "bids-addr", rejected.Address)
	assert.Equal(t, StateConnected, states[len(states)-1].State)
}

func TestManagerStopEntersFailed(t *testing.T) {
	node := newFakeNode(t, func(n int, c *nodeConn) {
		c.accept(3)
		c.hold()
	})

	connected := make(chan struct{}, 1)
	opts := fastOptions(node.url())
	opts.OnStateChange = func(s Status) {
		if s.State == StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}

	m, err := NewManager(opts, testAccounts(), chanSink{ch: make(chan models.RawAccountUpdate, 1)})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()), "second start must fail")

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("manager never connected")
	}

	m.Stop()
	assert.Equal(t, StateFailed, m.Status().State)
	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestManagerGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	opts := fastOptions(url)
	opts.Reconnect.Attempts = 2
	m, err := NewManager(opts, testAccounts(), chanSink{ch: make(chan models.RawAccountUpdate, 1)})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager kept reconnecting")
	}
	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 3, st.Attempt)
}

func TestNewManagerValidates(t *testing.T) {
	sink := chanSink{ch: make(chan models.RawAccountUpdate)}

	_, err := NewManager(Options{}, testAccounts(), sink)
	assert.Error(t, err)

	_, err = NewManager(fastOptions("ws://x"), nil, sink)
	assert.Error(t, err)

	dup := append(testAccounts(), Account{Address: "eq-addr", MarketID: "OTHER", Role: models.RoleEventQueue})
	_, err = NewManager(fastOptions("ws://x"), dup, sink)
	assert.Error(t, err)

	missing := []Account{{MarketID: "SOL-USDC", Role: models.RoleBids}}
	_, err = NewManager(fastOptions("ws://x"), missing, sink)
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", Status{State: StateConnected}.String())
	assert.Equal(t, "reconnecting(attempt=2, delay=1s)", Status{State: StateReconnecting, Attempt: 2, Delay: time.Second}.String())
}

func TestDecodeNotificationRejectsEncoding(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":1,"result":{"context":{"slot":3},"value":{"data":["AQ==","base58"]}}}}`
	var in inbound
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	_, err := in.decodeNotification()
	assert.Error(t, err)

	raw = strings.Replace(raw, "base58", "base64", 1)
	in = inbound{}
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	n, err := in.decodeNotification()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, n.Data)
	assert.Equal(t, uint64(3), n.Slot)
}
