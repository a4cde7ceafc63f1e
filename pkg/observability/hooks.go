package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/ports"
)

// LoggingHooks logs control transfers at Info and dropped writes at Debug.
func LoggingHooks(logger *slog.Logger) domain.ControlHooks {
	return domain.ControlHooks{
		OnTransfer: func(ctx context.Context, e *domain.Transfer) {
			attrs := []any{"channel", e.Channel}
			if e.From != nil {
				attrs = append(attrs, "from", e.From.Subject)
			}
			if e.To != nil {
				attrs = append(attrs, "to", e.To.Subject, "authority", e.To.Authority)
			}
			logger.InfoContext(ctx, "control transfer", attrs...)
		},
		OnWrite: func(ctx context.Context, e *domain.WriteEvent) {
			if !e.Accepted {
				logger.DebugContext(ctx, "write dropped",
					"channel", e.Gate.Channel,
					"gate_id", e.Gate.ID,
					"subject", e.Gate.Subject,
					"state", e.Gate.State,
				)
			}
		},
	}
}

// AuditHooks records every closed region and every transfer. Failures are logged
// at Warn and never reach the caller that triggered the event.
func AuditHooks(audit ports.AuditLog, logger *slog.Logger) domain.ControlHooks {
	return domain.ControlHooks{
		OnGateClose: func(ctx context.Context, e *domain.GateEvent) {
			if err := audit.RecordRegion(context.WithoutCancel(ctx), domain.NewRegionRecord(e.Gate)); err != nil {
				logger.Warn("failed to record region", "channel", e.Gate.Channel, "gate_id", e.Gate.ID, "err", err)
			}
		},
		OnTransfer: func(ctx context.Context, e *domain.Transfer) {
			if err := audit.RecordTransfer(context.WithoutCancel(ctx), *e); err != nil {
				logger.Warn("failed to record transfer", "channel", e.Channel, "err", err)
			}
		},
	}
}
