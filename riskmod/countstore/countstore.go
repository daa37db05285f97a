package countstore

import (
	"context"
	"log/slog"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
	// the rolling window used for recent-violation counts
	PeriodMonth = "month"
)

// Event counters over rolling time windows. Each counter is identified by a
// name (eg, "violations") and a value (eg, a submitter ID).
type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
}

// window returns the rolling window length for a period; zero means unbounded.
func window(period string) time.Duration {
	switch period {
	case PeriodTotal:
		return 0
	case PeriodDay:
		return 24 * time.Hour
	case PeriodHour:
		return time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		slog.Warn("unhandled counter period", "period", period)
		return 0
	}
}

func counterKey(name, val string) string {
	return name + "/" + val
}
