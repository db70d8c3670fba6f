package health

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eazepay/transaction-service/internal/ledger"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

var _ Pinger = (*sql.DB)(nil)

// Database reports whether the database answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// OutboxCounter is the part of ledger.OutboxStore the outbox check needs.
type OutboxCounter interface {
	CountByState(ctx context.Context) (map[ledger.OutboxState]int, error)
}

// Outbox reports the ledger outbox backlog. It is unhealthy only when the
// store cannot be read or the pending backlog exceeds maxPending (0 means
// no limit); dead entries are reported but do not fail the check.
func Outbox(store OutboxCounter, maxPending int) Checker {
	return func(ctx context.Context) Status {
		counts, err := store.CountByState(ctx)
		if err != nil {
			return Status{Name: "ledger_outbox", Healthy: false, Detail: err.Error()}
		}
		pending, dead := counts[ledger.OutboxPending], counts[ledger.OutboxDead]
		detail := fmt.Sprintf("pending=%d dead=%d", pending, dead)
		if maxPending > 0 && pending > maxPending {
			return Status{Name: "ledger_outbox", Healthy: false, Detail: detail + " (backlog)"}
		}
		return Status{Name: "ledger_outbox", Healthy: true, Detail: detail}
	}
}
