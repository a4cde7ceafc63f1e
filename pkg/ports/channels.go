package ports

import (
	"context"

	"github.com/aretw0/arbiter/pkg/domain"
)

// ChannelRegistry defines the channel metadata collaborator.
type ChannelRegistry interface {
	// Exists reports whether a channel with the given key is defined.
	Exists(ctx context.Context, key domain.ChannelKey) (bool, error)

	// IsWritable reports whether the channel may be commanded by a control session.
	// Unknown channels are not writable.
	IsWritable(ctx context.Context, key domain.ChannelKey) (bool, error)
}
