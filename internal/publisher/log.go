package publisher

import (
	"context"
	"sync/atomic"

	"dexflow/logger"
)

// Log writes every payload to the debug log. It is used for dry runs.
type Log struct {
	published atomic.Int64
	log       *logger.Entry
}

func NewLog() *Log {
	return &Log{log: logger.GetLogger().WithComponent("log_publisher")}
}

func (l *Log) Publish(_ context.Context, channel string, payload []byte) error {
	l.published.Add(1)
	l.log.WithFields(logger.Fields{
		"channel": channel,
		"bytes":   len(payload),
		"payload": string(payload),
	}).Debug("publish")
	return nil
}

// Published returns the number of payloads seen.
func (l *Log) Published() int64 {
	return l.published.Load()
}

func (l *Log) Close() error {
	l.log.WithField("published", l.published.Load()).Info("log publisher closed")
	return nil
}
