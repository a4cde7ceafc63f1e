package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
)

// DefaultRetention is the number of regions kept per channel, and of transfers
// kept in total, when no WithRetention option is given.
const DefaultRetention = 1024

// AuditLog implements ports.AuditLog in memory. Only the most recent records are
// kept; older ones are evicted first.
type AuditLog struct {
	mu        sync.RWMutex
	retention int
	regions   map[domain.ChannelKey][]domain.RegionRecord
	transfers []domain.Transfer
}

// AuditOption configures the AuditLog.
type AuditOption func(*AuditLog)

// WithRetention caps how many regions are kept per channel and how many
// transfers are kept overall. n <= 0 keeps everything.
func WithRetention(n int) AuditOption {
	return func(a *AuditLog) {
		a.retention = n
	}
}

// NewAuditLog creates an empty in-memory audit log.
func NewAuditLog(opts ...AuditOption) *AuditLog {
	a := &AuditLog{
		retention: DefaultRetention,
		regions:   make(map[domain.ChannelKey][]domain.RegionRecord),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ ports.AuditLog = (*AuditLog)(nil)

// RecordRegion stores a closed region.
func (a *AuditLog) RecordRegion(ctx context.Context, rec domain.RegionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regions[rec.Channel] = trim(append(a.regions[rec.Channel], rec), a.retention)
	return nil
}

// RecordTransfer stores a transfer.
func (a *AuditLog) RecordTransfer(ctx context.Context, t domain.Transfer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transfers = trim(append(a.transfers, t), a.retention)
	return nil
}

// trim drops the oldest entries beyond limit. The backing array is reallocated
// once it is twice the limit so evicted records can be collected.
func trim[T any](records []T, limit int) []T {
	if limit <= 0 || len(records) <= limit {
		return records
	}
	records = records[len(records)-limit:]
	if cap(records) >= 2*limit {
		records = append(make([]T, 0, limit+limit/2), records...)
	}
	return records
}

// Regions returns a copy of the channel's regions ordered by start.
func (a *AuditLog) Regions(ctx context.Context, key domain.ChannelKey) ([]domain.RegionRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := append([]domain.RegionRecord(nil), a.regions[key]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Transfers returns a copy of every retained transfer in arrival order.
func (a *AuditLog) Transfers() []domain.Transfer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.Transfer(nil), a.transfers...)
}
