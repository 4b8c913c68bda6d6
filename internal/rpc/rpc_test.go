package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexflow/internal/codec"
	"dexflow/internal/codec/codectest"
	"dexflow/internal/models"
)

func addr(b byte) string {
	return codec.PublicKey(codectest.Key(b)).String()
}

// fakeNode serves getMultipleAccounts from a fixed account map.
type fakeNode struct {
	mu       sync.Mutex
	accounts map[string][]byte
	slot     uint64
	calls    [][]string
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64             `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method != "getMultipleAccounts" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var addrs []string
	_ = json.Unmarshal(req.Params[0], &addrs)

	n.mu.Lock()
	n.calls = append(n.calls, addrs)
	n.mu.Unlock()

	values := make([]interface{}, len(addrs))
	for i, a := range addrs {
		if data, ok := n.accounts[a]; ok {
			values[i] = map[string]interface{}{
				"data":  []string{base64.StdEncoding.EncodeToString(data), "base64"},
				"owner": "srmqPvymJeFKQ4zGQed1GFppgkRHL9kaELCbyksJtPX",
			}
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result": map[string]interface{}{
			"context": map[string]interface{}{"slot": n.slot},
			"value":   values,
		},
	})
}

func newClient(t *testing.T, node http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "confirmed", time.Second)
}

func TestGetMultipleAccountsBatchesAndDecodes(t *testing.T) {
	node := &fakeNode{accounts: map[string][]byte{}, slot: 77}
	var addrs []string
	for i := 0; i < 150; i++ {
		a := addr(byte(i))
		addrs = append(addrs, a)
		if i%2 == 0 {
			node.accounts[a] = []byte{byte(i)}
		}
	}

	got, slot, err := newClient(t, node).GetMultipleAccounts(context.Background(), addrs)
	require.NoError(t, err)
	require.Len(t, got, 150)
	assert.Equal(t, uint64(77), slot)
	assert.Len(t, node.calls, 2)
	assert.Len(t, node.calls[0], 100)

	assert.True(t, got[4].Exists)
	assert.Equal(t, []byte{4}, got[4].Data)
	assert.False(t, got[5].Exists)
	assert.Equal(t, addrs[5], got[5].Address)
}

func TestGetMultipleAccountsRPCError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid param"}}`))
	}))
	_, _, err := c.GetMultipleAccounts(context.Background(), []string{addr(1)})
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestGetMultipleAccountsHTTPError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	_, _, err := c.GetMultipleAccounts(context.Background(), []string{addr(1)})
	assert.ErrorContains(t, err, "429")
}

func marketNode() (*fakeNode, models.Market) {
	market := addr(200)
	node := &fakeNode{slot: 9, accounts: map[string][]byte{
		market: codectest.Market(codectest.MarketState{
			OwnAddress:   codectest.Key(200),
			BaseMint:     codectest.Key(201),
			QuoteMint:    codectest.Key(202),
			EventQueue:   codectest.Key(203),
			Bids:         codectest.Key(204),
			Asks:         codectest.Key(205),
			BaseLotSize:  100000,
			QuoteLotSize: 10,
		}),
		addr(201): codectest.Mint(9),
		addr(202): codectest.Mint(6),
		addr(204): codectest.Slab(true, nil, 0),
		addr(205): codectest.Slab(false, nil, 0),
	}}
	return node, models.Market{ID: "SOL-USDC", Address: market}
}

func TestResolveMarketsFillsAccountsAndDecimals(t *testing.T) {
	node, m := marketNode()
	resolved, err := ResolveMarkets(context.Background(), newClient(t, node), []models.Market{m})
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	r := resolved[0]
	assert.True(t, r.Resolved())
	assert.Equal(t, addr(203), r.EventQueue)
	assert.Equal(t, addr(204), r.Bids)
	assert.Equal(t, addr(205), r.Asks)
	assert.Equal(t, uint64(100000), r.BaseLotSize)
	assert.Equal(t, uint64(10), r.QuoteLotSize)
	assert.Equal(t, uint8(9), r.BaseDecimals)
	assert.Equal(t, uint8(6), r.QuoteDecimals)
	assert.Empty(t, m.Bids, "input must not be mutated")
}

func TestResolveMarketsKeepsConfiguredValues(t *testing.T) {
	node, m := marketNode()
	m.Bids = addr(50)
	m.BaseDecimals, m.QuoteDecimals = 3, 2

	resolved, err := ResolveMarkets(context.Background(), newClient(t, node), []models.Market{m})
	require.NoError(t, err)
	assert.Equal(t, addr(50), resolved[0].Bids)
	assert.Equal(t, uint8(3), resolved[0].BaseDecimals)
	assert.Len(t, node.calls, 1, "mints are not fetched when decimals are configured")
}

func TestResolveMarketsSkipsResolved(t *testing.T) {
	node := &fakeNode{}
	m := models.Market{ID: "X", Bids: "b", Asks: "a", EventQueue: "e", BaseLotSize: 1, QuoteLotSize: 1, BaseDecimals: 6}
	resolved, err := ResolveMarkets(context.Background(), newClient(t, node), []models.Market{m})
	require.NoError(t, err)
	assert.Equal(t, m, resolved[0])
	assert.Empty(t, node.calls)
}

func TestResolveMarketsMissingAccount(t *testing.T) {
	node := &fakeNode{accounts: map[string][]byte{}}
	_, err := ResolveMarkets(context.Background(), newClient(t, node), []models.Market{{ID: "X", Address: addr(1)}})
	assert.ErrorContains(t, err, "not found")
}

func TestSeedBooks(t *testing.T) {
	node, m := marketNode()
	m.Bids, m.Asks = addr(204), addr(205)

	updates, err := SeedBooks(context.Background(), newClient(t, node), []models.Market{m})
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, models.RoleBids, updates[0].Role)
	assert.Equal(t, models.RoleAsks, updates[1].Role)
	assert.Equal(t, uint64(9), updates[0].Slot)
	assert.Equal(t, "SOL-USDC", updates[1].MarketID)

	_, err = codec.DecodeSlab(updates[0].Data, models.SideBid)
	assert.NoError(t, err)
}
