package metrics

import "dexflow/logger"

// DropMetric names the metric emitted when a message is dropped.
type DropMetric string

const (
	// DropMetricAccountUpdate records account notifications that never reached
	// the update channel.
	DropMetricAccountUpdate DropMetric = "account_updates_dropped"
	// DropMetricUnknownAccount records notifications for untracked addresses.
	DropMetricUnknownAccount DropMetric = "unknown_account_dropped"
	// DropMetricStaleSlot records notifications older than one already seen.
	DropMetricStaleSlot DropMetric = "stale_slot_dropped"
	// DropMetricRouterInbox records updates a market worker could not accept.
	DropMetricRouterInbox DropMetric = "router_inbox_dropped"
)

const dropComponent = "channel_drops"

// EmitDropMetric emits one drop. Empty market, role or stage values are left
// out of the fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, market, role, stage string) {
	fields := logger.Fields{}
	if market != "" {
		fields["market"] = market
	}
	if role != "" {
		fields["role"] = role
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, dropComponent, string(metric), 1, "counter", fields)
}
