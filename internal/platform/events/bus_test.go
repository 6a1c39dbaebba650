package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop(), 2, 8)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 2)
	for _, name := range []string{"archiver", "webhook"} {
		name := name
		bus.Subscribe(TypeReportFinalized, name, func(_ context.Context, evt Event) error {
			p := evt.Payload.(ReportFinalized)
			mu.Lock()
			got = append(got, name+":"+p.StudyUID)
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	ok := bus.Publish(ctx, New(TypeReportFinalized, "default", ReportFinalized{StudyUID: "1.2.3"}))
	require.True(t, ok)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for subscribers")
		}
	}
	bus.Close()

	assert.ElementsMatch(t, []string{"archiver:1.2.3", "webhook:1.2.3"}, got)
}

func TestBus_IgnoresOtherTypes(t *testing.T) {
	bus := NewBus(zerolog.Nop(), 1, 4)
	var calls int32
	bus.Subscribe(TypeCriticalRaised, "pager", func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Start(context.Background())
	bus.Publish(context.Background(), New(TypeReportFinalized, "", ReportFinalized{}))
	bus.Close()

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestBus_PublishDoesNotBlockWhenFull(t *testing.T) {
	bus := NewBus(zerolog.Nop(), 1, 1)
	var dropped int32
	bus.OnDrop = func(Event) { atomic.AddInt32(&dropped, 1) }

	// Not started: the single slot fills and the next publish is dropped.
	assert.True(t, bus.Publish(context.Background(), New(TypeReportFinalized, "", nil)))
	assert.False(t, bus.Publish(context.Background(), New(TypeReportFinalized, "", nil)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dropped))
}

func TestBus_HandlerErrorAndPanicDoNotStopOthers(t *testing.T) {
	bus := NewBus(zerolog.Nop(), 1, 4)
	var reached int32
	bus.Subscribe(TypeCriticalAcknowledged, "failing", func(context.Context, Event) error {
		return errors.New("smtp down")
	})
	bus.Subscribe(TypeCriticalAcknowledged, "panicking", func(context.Context, Event) error {
		panic("boom")
	})
	bus.Subscribe(TypeCriticalAcknowledged, "healthy", func(context.Context, Event) error {
		atomic.AddInt32(&reached, 1)
		return nil
	})

	bus.Start(context.Background())
	bus.Publish(context.Background(), New(TypeCriticalAcknowledged, "", CriticalAcknowledged{ID: "c1"}))
	bus.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&reached))
}

func TestBus_CloseDrainsQueue(t *testing.T) {
	bus := NewBus(zerolog.Nop(), 1, 16)
	var handled int32
	bus.Subscribe(TypeCriticalRaised, "counter", func(context.Context, Event) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	for i := 0; i < 10; i++ {
		require.True(t, bus.Publish(context.Background(), New(TypeCriticalRaised, "", CriticalRaised{})))
	}
	bus.Start(context.Background())
	bus.Close()

	assert.Equal(t, int32(10), atomic.LoadInt32(&handled))
	assert.False(t, bus.Publish(context.Background(), New(TypeCriticalRaised, "", nil)))
}
