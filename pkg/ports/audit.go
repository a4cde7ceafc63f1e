package ports

import (
	"context"

	"github.com/aretw0/arbiter/pkg/domain"
)

// AuditLog records the history of control over channels.
// Closed regions never take part in live arbitration; they are kept for occupancy reports.
type AuditLog interface {
	// RecordRegion stores the region of a gate that just closed.
	RecordRegion(ctx context.Context, rec domain.RegionRecord) error

	// RecordTransfer stores a change of winner on a channel.
	RecordTransfer(ctx context.Context, t domain.Transfer) error

	// Regions returns the closed regions of a channel ordered by start time.
	Regions(ctx context.Context, key domain.ChannelKey) ([]domain.RegionRecord, error)
}
