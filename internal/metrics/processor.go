package metrics

import "dexflow/logger"

// RouterStats holds the counters of the update router and its workers.
type RouterStats struct {
	Routed          int64
	UnknownAccounts int64
	InboxDropped    int64
	Markets         int
	InboxLen        int
	InboxCap        int
}

// ReportRouter logs a router summary line.
func ReportRouter(log *logger.Log, stats RouterStats) {
	entry := log.WithComponent("router").WithFields(logger.Fields{
		"routed":           stats.Routed,
		"unknown_accounts": stats.UnknownAccounts,
		"inbox_dropped":    stats.InboxDropped,
		"markets":          stats.Markets,
		"inbox_len":        stats.InboxLen,
		"inbox_cap":        stats.InboxCap,
	})
	if stats.InboxDropped > 0 {
		entry.Warn("router metrics")
		return
	}
	entry.Info("router metrics")
}
