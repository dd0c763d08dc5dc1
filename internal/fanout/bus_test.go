package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wardsim/pkg/types"
)

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func testSession() *types.WardSession {
	return &types.WardSession{
		ID:          "s1",
		WardID:      "w1",
		WardName:    "Acute",
		StartTime:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:    types.Minutes(20),
		StartedBy:   "f1",
		Status:      types.SessionStatusActive,
		Assignments: types.ParseAssignments(`{"zone1": ["p1", "p2"]}`),
	}
}

func TestLocalBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewLocalBus()
	var a, b collector
	bus.Subscribe(a.handle)
	unsubB := bus.Subscribe(b.handle)

	ctx := context.Background()
	require.NoError(t, bus.SessionStarted(ctx, testSession()))
	require.Len(t, a.snapshot(), 1)
	require.Len(t, b.snapshot(), 1)
	require.Equal(t, KindSessionStarted, a.snapshot()[0].Kind)

	unsubB()
	unsubB()
	require.NoError(t, bus.PatientUpdated(ctx, &types.UpdateSignal{PatientID: "p1"}))
	require.Len(t, a.snapshot(), 2)
	require.Len(t, b.snapshot(), 1)
}

func TestLocalBus_RejectsEmptyAndClosed(t *testing.T) {
	bus := NewLocalBus()
	ctx := context.Background()
	require.ErrorIs(t, bus.SessionEnded(ctx, nil), ErrUnknownMessage)
	require.ErrorIs(t, bus.PatientUpdated(ctx, nil), ErrUnknownMessage)

	require.NoError(t, bus.Close())
	require.ErrorIs(t, bus.SessionEnded(ctx, testSession()), ErrBusClosed)
}

func newRedisBus(t *testing.T, mr *miniredis.Miniredis) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus, err := NewRedisBus(context.Background(), client, "wardsim:events", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBus_CrossInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newRedisBus(t, mr)
	second := newRedisBus(t, mr)

	var onFirst, onSecond collector
	first.Subscribe(onFirst.handle)
	second.Subscribe(onSecond.handle)

	require.NoError(t, first.SessionStarted(context.Background(), testSession()))

	require.Eventually(t, func() bool {
		return len(onFirst.snapshot()) == 1 && len(onSecond.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := onSecond.snapshot()[0]
	require.Equal(t, KindSessionStarted, got.Kind)
	require.Equal(t, "s1", got.Session.ID)
	require.Equal(t, types.Minutes(20), got.Session.Duration)
	require.Equal(t, []string{"p1", "p2"}, got.Session.Assignments.Zone(1).PatientIDs())
}

func TestRedisBus_DropsGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)
	var c collector
	bus.Subscribe(c.handle)

	mr.Publish("wardsim:events", "not json")
	mr.Publish("wardsim:events", `{"kind":"mystery"}`)
	require.NoError(t, bus.PatientUpdated(context.Background(), &types.UpdateSignal{PatientID: "p9", Category: "Vitals"}))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "p9", c.snapshot()[0].Signal.PatientID)
}

func TestRedisBus_Close(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	require.ErrorIs(t, bus.SessionStarted(context.Background(), testSession()), ErrBusClosed)
}
