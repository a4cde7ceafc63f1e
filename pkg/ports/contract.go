package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunFrameStoreContract runs a suite of tests to verify that a FrameStore implementation
// adheres to the defined interface contract.
func RunFrameStoreContract(t *testing.T, store FrameStore) {
	ctx := context.Background()
	prefix := "contract-" + time.Now().Format("20060102150405.000000000") + "-"
	key := func(name string) domain.ChannelKey { return domain.ChannelKey(prefix + name) }

	t.Run("ReadLatest Undefined", func(t *testing.T) {
		_, err := store.ReadLatest(ctx, key("never-written"))
		assert.ErrorIs(t, err, domain.ErrUndefined)
	})

	t.Run("Write and ReadLatest", func(t *testing.T) {
		ts := time.Now().UTC()
		err := store.Write(ctx, domain.Sample{Channel: key("valve"), Value: 1, Timestamp: ts})
		require.NoError(t, err, "Write should not return error")

		got, err := store.ReadLatest(ctx, key("valve"))
		require.NoError(t, err, "ReadLatest should not return error")
		assert.Equal(t, key("valve"), got.Channel)
		assert.Equal(t, 1.0, got.Value)
		assert.True(t, ts.Equal(got.Timestamp), "timestamp should round-trip, got %v want %v", got.Timestamp, ts)
	})

	t.Run("Latest Wins", func(t *testing.T) {
		ts := time.Now().UTC()
		require.NoError(t, store.Write(ctx, domain.Sample{Channel: key("setpoint"), Value: 10, Timestamp: ts}))
		require.NoError(t, store.Write(ctx, domain.Sample{Channel: key("setpoint"), Value: 42.5, Timestamp: ts.Add(time.Millisecond)}))

		got, err := store.ReadLatest(ctx, key("setpoint"))
		require.NoError(t, err)
		assert.Equal(t, 42.5, got.Value)
	})

	t.Run("Subscribe", func(t *testing.T) {
		subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		updates, stop, err := store.Subscribe(subCtx, []domain.ChannelKey{key("pressure")})
		require.NoError(t, err)
		defer stop()

		require.NoError(t, store.Write(ctx, domain.Sample{Channel: key("ignored"), Value: 7, Timestamp: time.Now().UTC()}))
		require.NoError(t, store.Write(ctx, domain.Sample{Channel: key("pressure"), Value: 101.3, Timestamp: time.Now().UTC()}))

		select {
		case s, ok := <-updates:
			require.True(t, ok, "subscription closed before delivering")
			assert.Equal(t, key("pressure"), s.Channel, "only subscribed channels should be delivered")
			assert.Equal(t, 101.3, s.Value)
		case <-subCtx.Done():
			t.Fatal("timed out waiting for subscribed sample")
		}
	})

	t.Run("Cancel Closes Stream", func(t *testing.T) {
		updates, stop, err := store.Subscribe(ctx, []domain.ChannelKey{key("temperature")})
		require.NoError(t, err)

		stop()
		stop() // idempotent

		deadline := time.After(5 * time.Second)
		for {
			select {
			case _, ok := <-updates:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("stream not closed after cancel")
			}
		}
	})
}

// RunChannelRegistryContract verifies a ChannelRegistry that was seeded with the given
// channels. It expects at least one writable and one non-writable channel.
func RunChannelRegistryContract(t *testing.T, reg ChannelRegistry, seeded []domain.Channel) {
	ctx := context.Background()

	t.Run("Seeded Channels", func(t *testing.T) {
		for _, ch := range seeded {
			exists, err := reg.Exists(ctx, ch.Key())
			require.NoError(t, err)
			assert.True(t, exists, "channel %s should exist", ch.Key())

			writable, err := reg.IsWritable(ctx, ch.Key())
			require.NoError(t, err)
			assert.Equal(t, ch.Writable(), writable, "writability of %s", ch.Key())
		}
	})

	t.Run("Unknown Channel", func(t *testing.T) {
		exists, err := reg.Exists(ctx, "contract-unknown-channel")
		require.NoError(t, err)
		assert.False(t, exists)

		writable, err := reg.IsWritable(ctx, "contract-unknown-channel")
		require.NoError(t, err)
		assert.False(t, writable, "unknown channels are never writable")
	})
}

// RunAuditLogContract verifies that an AuditLog stores regions and transfers.
func RunAuditLogContract(t *testing.T, log AuditLog) {
	ctx := context.Background()
	ch := domain.ChannelKey("contract-audit-" + time.Now().Format("150405.000000000"))
	start := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Record and List Regions", func(t *testing.T) {
		second := domain.RegionRecord{Gate: "g-2", Channel: ch, Subject: "auto", Authority: 200,
			Start: start.Add(time.Second), End: start.Add(2 * time.Second)}
		first := domain.RegionRecord{Gate: "g-1", Channel: ch, Subject: "operator", Authority: 100,
			Start: start, End: start.Add(3 * time.Second)}

		require.NoError(t, log.RecordRegion(ctx, second))
		require.NoError(t, log.RecordRegion(ctx, first))

		regions, err := log.Regions(ctx, ch)
		require.NoError(t, err)
		require.Len(t, regions, 2)
		assert.Equal(t, domain.GateID("g-1"), regions[0].Gate, "regions should be ordered by start")
		assert.Equal(t, domain.Authority(100), regions[0].Authority)
		assert.Equal(t, "operator", regions[0].Subject)
		assert.True(t, start.Equal(regions[0].Start))
		assert.True(t, start.Add(3*time.Second).Equal(regions[0].End))
	})

	t.Run("Unknown Channel Has No Regions", func(t *testing.T) {
		regions, err := log.Regions(ctx, ch+"-missing")
		require.NoError(t, err)
		assert.Empty(t, regions)
	})

	t.Run("Record Transfer", func(t *testing.T) {
		to := domain.GateInfo{ID: "g-2", Channel: ch, Subject: "auto", Authority: 200, State: domain.GateControlling}
		err := log.RecordTransfer(ctx, domain.Transfer{
			EventBase: domain.EventBase{Timestamp: start, Type: domain.EventTransfer},
			Channel:   ch,
			To:        &to,
		})
		assert.NoError(t, err)
	})
}
