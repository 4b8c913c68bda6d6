// Package publisher delivers market events to downstream subscribers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dexflow/config"
	"dexflow/internal/retry"
)

// Publisher sends a payload to the subscribers of a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Payload types carried in envelopes.
const (
	TypeSummary           = "summary"
	TypeOrderbookSnapshot = "orderbook_snapshot"
	TypeOrderbookDiff     = "orderbook_diff"
)

// SummaryChannel is the channel of a market's trade summaries.
func SummaryChannel(market string) string { return market + ".summary" }

// OrderbookChannel is the channel of a market's book snapshots and diffs.
func OrderbookChannel(market string) string { return market + ".orderbook" }

// channelKind returns the suffix of a channel name, "summary" or "orderbook".
func channelKind(channel string) string {
	if i := strings.LastIndexByte(channel, '.'); i >= 0 {
		return channel[i+1:]
	}
	return channel
}

// Envelope wraps every published payload.
type Envelope struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Market  string      `json:"market"`
	Channel string      `json:"channel"`
	Time    time.Time   `json:"time"`
	Data    interface{} `json:"data"`
}

func NewEnvelope(typ, market, channel string, data interface{}) Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Type:    typ,
		Market:  market,
		Channel: channel,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope for %s: %w", e.Type, e.Market, err)
	}
	return b, nil
}

// New builds the publisher selected by cfg behind a retrying wrapper.
func New(cfg config.PublisherConfig) (Publisher, error) {
	var p Publisher
	switch cfg.Driver {
	case config.DriverKafka:
		kw, err := NewKafka(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		p = kw
	case config.DriverLog, "":
		p = NewLog()
	case config.DriverNone:
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown publisher driver %q", cfg.Driver)
	}
	return NewRetrying(p, retry.FromConfig(cfg.Retry)), nil
}

// Discard drops every payload.
type Discard struct{}

func (Discard) Publish(context.Context, string, []byte) error { return nil }
func (Discard) Close() error                                  { return nil }
