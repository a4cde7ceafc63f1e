package arbiter_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aretw0/arbiter"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/aretw0/arbiter/pkg/session"
)

// ExampleNew demonstrates two claimants competing for the same channel.
// The higher authority holds control; when it leaves, control falls back.
func ExampleNew() {
	mgr := arbiter.New(arbiter.WithChannels(domain.PersistedChannel{Name: "valve"}))
	ctx := context.Background()
	defer mgr.Shutdown(ctx)

	operator, err := mgr.Acquire(ctx, session.Config{
		Name:        "operator",
		Authorities: []domain.Authority{100},
		Write:       []domain.ChannelKey{"valve"},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer operator.Close()

	auto, err := mgr.Acquire(ctx, session.Config{
		Name:        "auto",
		Authorities: []domain.Authority{200},
		Write:       []domain.ChannelKey{"valve"},
	})
	if err != nil {
		log.Fatal(err)
	}

	accepted, _ := operator.Write(ctx, "valve", 0.5)
	fmt.Println("operator write accepted:", accepted)
	accepted, _ = auto.Write(ctx, "valve", 0.8)
	fmt.Println("auto write accepted:", accepted)

	auto.Close()
	fmt.Println("operator after auto left:", operator.State("valve"))

	// Output:
	// operator write accepted: false
	// auto write accepted: true
	// operator after auto left: controlling
}

// ExampleManager_Acquire_monitor shows a read-only session following a channel.
func ExampleManager_Acquire_monitor() {
	mgr := arbiter.New(arbiter.WithChannels(domain.PersistedChannel{Name: "setpoint"}))
	ctx := context.Background()
	defer mgr.Shutdown(ctx)

	writer, err := mgr.Acquire(ctx, session.Config{Write: []domain.ChannelKey{"setpoint"}})
	if err != nil {
		log.Fatal(err)
	}
	defer writer.Close()
	if err := writer.Set(ctx, "setpoint", 42); err != nil {
		log.Fatal(err)
	}

	monitor, err := mgr.Acquire(ctx, session.Config{Name: "monitor", Read: []domain.ChannelKey{"setpoint"}})
	if err != nil {
		log.Fatal(err)
	}
	defer monitor.Close()

	if !monitor.WaitUntilDefined(ctx, []domain.ChannelKey{"setpoint"}, time.Second) {
		log.Fatal("setpoint never defined")
	}
	v, _ := monitor.Get("setpoint")
	fmt.Println("setpoint:", v)

	// Output:
	// setpoint: 42
}
