package subscription

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	methodAccountSubscribe    = "accountSubscribe"
	methodAccountNotification = "accountNotification"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type subscribeOptions struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment,omitempty"`
}

func accountSubscribe(id int64, address, commitment string) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  methodAccountSubscribe,
		Params:  []interface{}{address, subscribeOptions{Encoding: "base64", Commitment: commitment}},
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// inbound covers both subscribe responses and notifications.
type inbound struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value *struct {
				Data []string `json:"data"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// notification is a decoded account notification.
type notification struct {
	Subscription int64
	Slot         uint64
	Data         []byte
}

// decodeNotification extracts the account bytes. A null value means the
// account was closed and yields empty data.
func (m *inbound) decodeNotification() (notification, error) {
	p := m.Params
	if p == nil {
		return notification{}, fmt.Errorf("notification without params")
	}
	n := notification{Subscription: p.Subscription, Slot: p.Result.Context.Slot}
	if p.Result.Value == nil {
		return n, nil
	}
	data := p.Result.Value.Data
	if len(data) != 2 || data[1] != "base64" {
		return n, fmt.Errorf("subscription %d: unexpected data encoding %v", p.Subscription, data)
	}
	raw, err := base64.StdEncoding.DecodeString(data[0])
	if err != nil {
		return n, fmt.Errorf("subscription %d: %w", p.Subscription, err)
	}
	n.Data = raw
	return n, nil
}
