package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Nexus/internal/intent"
)

func TestBuildScheduledIntent(t *testing.T) {
	in := Build(Spec{Name: "nightly", Priority: 3, Payload: map[string]any{"agent": "reporter"}}, time.Now())
	assert.Equal(t, intent.OriginScheduler, in.Origin)
	assert.Equal(t, 3, in.Priority)
	assert.Equal(t, "reporter", in.Agent())
	assert.Equal(t, "nightly", in.Payload["trigger"])
	assert.NotEmpty(t, in.Description)
}

func TestInvalidScheduleRejected(t *testing.T) {
	_, err := New([]Spec{{Name: "bad", Schedule: "every tuesday"}}, nil)
	assert.Error(t, err)
	_, err = New([]Spec{{Name: "empty"}}, nil)
	assert.Error(t, err)
}

func TestSchedulerFires(t *testing.T) {
	var fired atomic.Int32
	s, err := New([]Spec{{Name: "tick", Schedule: "@every 1s"}}, func(_ context.Context, in intent.Intent) error {
		if in.Origin == intent.OriginScheduler {
			fired.Add(1)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return fired.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}
