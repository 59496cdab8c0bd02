package intervention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Nexus/internal/events"
)

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func waitPending(t *testing.T, b *Broker) Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := b.Pending(); len(p) > 0 {
			return p[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no pending intervention")
	return Request{}
}

func TestRequestResolved(t *testing.T) {
	pub := &capture{}
	b := NewBroker(Config{}, WithPublisher(pub))

	type outcome struct {
		res Resolution
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.Request(context.Background(), TypeErrorRecovery, "agent failed", map[string]any{"agent": "scan"})
		done <- outcome{res, err}
	}()

	req := waitPending(t, b)
	assert.Equal(t, TypeErrorRecovery, req.Type)
	assert.Equal(t, time.Hour, req.ExpiresAt.Sub(req.CreatedAt))
	require.True(t, b.Resolve(req.ID, "RETRY"))
	assert.False(t, b.Resolve(req.ID, "RETRY"), "second resolve must be a no-op")

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.res.IsRetry())
	assert.Empty(t, b.Pending())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2)
	assert.Equal(t, events.InterventionRequired, pub.events[0].Type)
	assert.Equal(t, req.ID, pub.events[0].Data["id"])
	assert.Equal(t, events.InterventionResolved, pub.events[1].Type)
}

func TestRequestTimesOut(t *testing.T) {
	b := NewBroker(Config{DefaultTimeout: 20 * time.Millisecond, LongTimeout: time.Hour})
	_, err := b.Request(context.Background(), TypeApproval, "approve?", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Empty(t, b.Pending())
}

func TestRequestCancelled(t *testing.T) {
	b := NewBroker(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitPending(t, b)
		cancel()
	}()
	_, err := b.Request(ctx, TypeOTP, "code?", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.Pending())
}

func TestResolveUnknown(t *testing.T) {
	assert.False(t, NewBroker(Config{}).Resolve("missing", "SKIP"))
}

func TestTimeoutFor(t *testing.T) {
	b := NewBroker(Config{})
	assert.Equal(t, time.Hour, b.TimeoutFor(TypeManualTask))
	assert.Equal(t, 10*time.Minute, b.TimeoutFor(TypeCoCreation))
}

func TestResolutionParsing(t *testing.T) {
	assert.True(t, Resolution{Value: " skip "}.IsSkip())
	v, ok := Resolution{Value: `{"answer":42}`}.JSON()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"answer": float64(42)}, v)
	_, ok = Resolution{Value: "not json"}.JSON()
	assert.False(t, ok)
}
