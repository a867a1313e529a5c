package membus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehub-systems/pulsehub-core/internal/messaging"
)

// collector accumulates delivered messages behind a mutex for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (c *collector) handler(_ context.Context, msg *messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Subject
	}
	return out
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	col := &collector{}
	sub, err := bus.Subscribe("data.sensor.s1", col.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "data.sensor.s1", []byte("a")))
	require.NoError(t, bus.Publish(context.Background(), "data.sensor.s2", []byte("b")))

	require.Eventually(t, func() bool { return col.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"data.sensor.s1"}, col.subjects())
}

func TestBus_Wildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"exact", "system.load", "system.load", true},
		{"star matches one token", "data.sensor.*", "data.sensor.s1", true},
		{"star does not span tokens", "data.sensor.*", "data.sensor.s1.extra", false},
		{"tail wildcard", "data.>", "data.attention.high", true},
		{"tail needs at least one token", "data.>", "data", false},
		{"mismatched literal", "data.attention.high", "data.attention.medium", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, subjectMatches(tt.pattern, tt.subject))
		})
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := New()
	defer bus.Close()

	first := &collector{}
	second := &collector{}
	_, err := bus.Subscribe("system.load", first.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("system.load", second.handler)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "system.load", []byte("x")))

	require.Eventually(t, func() bool {
		return first.count() == 1 && second.count() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	col := &collector{}
	sub, err := bus.Subscribe("data.sensor.s1", col.handler)
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "data.sensor.s1", []byte("a")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, col.count())
}

func TestBus_ClosedRejectsPublish(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "system.load", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = bus.Subscribe("system.load", func(context.Context, *messaging.Message) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, bus.IsConnected())
}

func TestBus_FullInboxDropsAndCounts(t *testing.T) {
	bus := NewWithInbox(1)
	defer bus.Close()

	release := make(chan struct{})
	blocked := func(_ context.Context, _ *messaging.Message) error {
		<-release
		return nil
	}
	_, err := bus.Subscribe("data.sensor.s1", blocked)
	require.NoError(t, err)

	// First message occupies the handler, second fills the inbox, the rest
	// must drop rather than block the publisher.
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "data.sensor.s1", []byte("m")))
	}
	close(release)

	_, dropped := bus.Stats()
	assert.True(t, dropped >= 1, "expected drops, got %d", dropped)
}

func TestBus_Pressure(t *testing.T) {
	bus := NewWithInbox(4)
	defer bus.Close()

	release := make(chan struct{})
	blocked := func(_ context.Context, _ *messaging.Message) error {
		<-release
		return nil
	}
	_, err := bus.Subscribe("data.sensor.s1", blocked)
	require.NoError(t, err)

	assert.Zero(t, bus.Pressure())

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "data.sensor.s1", []byte("m")))
	}

	require.Eventually(t, func() bool { return bus.Pressure() > 0.5 }, time.Second, 5*time.Millisecond)
	close(release)
}
