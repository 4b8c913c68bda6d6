package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"dexflow/logger"
)

// maxAccountsPerRequest is the node limit for getMultipleAccounts.
const maxAccountsPerRequest = 100

// AccountInfo is one account as returned by the node. Missing accounts have
// Exists false and no data.
type AccountInfo struct {
	Address string
	Exists  bool
	Owner   string
	Data    []byte
}

// AccountFetcher loads raw accounts. Slot is the context slot of the read.
type AccountFetcher interface {
	GetMultipleAccounts(ctx context.Context, addresses []string) (accounts []AccountInfo, slot uint64, err error)
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a minimal JSON-RPC client for account reads.
type Client struct {
	url        string
	commitment string
	httpClient *http.Client
	nextID     atomic.Int64
	log        *logger.Entry
}

func NewClient(url, commitment string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:        url,
		commitment: commitment,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.GetLogger().WithComponent("rpc"),
	}
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

type accountsResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value []*struct {
		Data  []string `json:"data"`
		Owner string   `json:"owner"`
	} `json:"value"`
}

// GetMultipleAccounts fetches the accounts in request-sized batches. The
// returned slot is the lowest context slot across batches.
func (c *Client) GetMultipleAccounts(ctx context.Context, addresses []string) ([]AccountInfo, uint64, error) {
	out := make([]AccountInfo, 0, len(addresses))
	var slot uint64

	for start := 0; start < len(addresses); start += maxAccountsPerRequest {
		end := start + maxAccountsPerRequest
		if end > len(addresses) {
			end = len(addresses)
		}
		batch := addresses[start:end]

		var res accountsResult
		params := []interface{}{batch, map[string]string{"encoding": "base64", "commitment": c.commitment}}
		if err := c.call(ctx, "getMultipleAccounts", params, &res); err != nil {
			return nil, 0, err
		}
		if len(res.Value) != len(batch) {
			return nil, 0, fmt.Errorf("getMultipleAccounts: asked for %d accounts, got %d", len(batch), len(res.Value))
		}
		if slot == 0 || res.Context.Slot < slot {
			slot = res.Context.Slot
		}

		for i, v := range res.Value {
			info := AccountInfo{Address: batch[i]}
			if v != nil {
				if len(v.Data) != 2 || v.Data[1] != "base64" {
					return nil, 0, fmt.Errorf("account %s: unexpected data encoding %v", batch[i], v.Data)
				}
				raw, err := base64.StdEncoding.DecodeString(v.Data[0])
				if err != nil {
					return nil, 0, fmt.Errorf("account %s: %w", batch[i], err)
				}
				info.Exists = true
				info.Owner = v.Owner
				info.Data = raw
			}
			out = append(out, info)
		}
	}

	c.log.WithFields(logger.Fields{"accounts": len(addresses), "slot": slot}).Debug("fetched accounts")
	return out, slot, nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if r.Error != nil {
		return fmt.Errorf("%s: %w", method, r.Error)
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
