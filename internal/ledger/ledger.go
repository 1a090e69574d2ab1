// Package ledger is the durable, append-only record of finished attempts. It
// is the single source of truth for resumability: a pair that has a final row
// is never fetched again unless the store is deleted by hand.
package ledger

import (
	"context"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

// Ledger persists attempt rows and answers which pairs are already final.
// Append is called concurrently from fetch workers; implementations must
// serialize the write so a row is either fully present or absent.
type Ledger interface {
	Completed(ctx context.Context) (map[domain.Pair]struct{}, error)
	Append(ctx context.Context, rec domain.CompletionRecord) error
	Close() error
}
