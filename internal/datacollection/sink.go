package datacollection

import (
	"context"

	"github.com/fluxmon/agentd/internal/store"
)

// DeliverySink is the minimal capability the sender and reconciler
// need from internal/session: find a live session toward serverID
// that can accept data, and push frames through it. Kept as a narrow
// interface to avoid a dependency cycle (session in turn consumes
// datacollection's registry only through MetricRegistry).
type DeliverySink interface {
	// SendDirect attempts an immediate single-element send; ok=false
	// means no eligible session was available or the send failed.
	SendDirect(ctx context.Context, element *store.DataElement) (ok bool)

	// SendBulk ships a batch of scalar elements for reconciliation and
	// returns, per input index, whether the server asked to retry it.
	// busy indicates the server replied "busy"/"processing" for the
	// whole batch.
	SendBulk(ctx context.Context, serverID uint64, elements []*store.DataElement) (retry []bool, busy bool, err error)

	// SendTable ships one table element; tables are not bulk-able (§4.3).
	SendTable(ctx context.Context, element *store.DataElement) (ok bool, busy bool, err error)

	// CanReconcile reports whether any live session toward serverID
	// currently supports bulk reconciliation.
	CanReconcile(serverID uint64) bool
}
