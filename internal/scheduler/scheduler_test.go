package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/meshgate/internal/log"
	"github.com/mattjoyce/meshgate/internal/scheduler/mocks"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, timeout time.Duration) (*Scheduler, *clockwork.FakeClock, *recorder) {
	t.Helper()
	ctrl := gomock.NewController(t)
	timeouts := mocks.NewMockTimeouts(ctrl)
	timeouts.EXPECT().Timeout(gomock.Any()).Return(timeout).AnyTimes()

	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	s := New(timeouts, rec, clock)
	t.Cleanup(s.Close)
	return s, clock, rec
}

// tick waits for the task loops to arm their timers, then advances.
func tick(t *testing.T, clock *clockwork.FakeClock, d time.Duration, timers int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, timers))
	clock.Advance(d)
}

func TestStagedTasksRunOnlyAfterActivate(t *testing.T) {
	s, clock, rec := newTestScheduler(t, time.Second)

	var runs atomic.Int32
	require.NoError(t, s.Add("weather", "refresh", time.Minute, 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	clock.Advance(5 * time.Minute)
	assert.Zero(t, runs.Load(), "staged task must not run")
	assert.False(t, s.List()[0].Active)

	s.Activate("weather")
	tick(t, clock, time.Minute, 1)
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	tick(t, clock, time.Minute, 1)
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return rec.count("scheduler.task_completed") == 2 }, time.Second, 5*time.Millisecond)

	infos := s.List()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Active)
	assert.EqualValues(t, 2, infos[0].Runs)
}

func TestCancelPluginStopsTasks(t *testing.T) {
	s, clock, _ := newTestScheduler(t, time.Second)

	var runs atomic.Int32
	require.NoError(t, s.Add("bbs", "digest", time.Minute, 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Activate("bbs")
	tick(t, clock, time.Minute, 1)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.CancelPlugin("bbs")
	s.CancelPlugin("bbs")
	assert.Empty(t, s.List())

	clock.Advance(10 * time.Minute)
	assert.Never(t, func() bool { return runs.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// Tasks can be staged again for the next load.
	require.NoError(t, s.Add("bbs", "digest", time.Minute, 0, func(context.Context) error { return nil }))
}

func TestTaskFailuresAreRecorded(t *testing.T) {
	s, clock, rec := newTestScheduler(t, time.Second)

	require.NoError(t, s.Add("p", "boom", time.Minute, 0, func(context.Context) error {
		return errors.New("upstream down")
	}))
	require.NoError(t, s.Add("p", "panic", time.Hour, 0, func(context.Context) error {
		panic("bad")
	}))
	s.Activate("p")

	tick(t, clock, time.Hour, 2)
	require.Eventually(t, func() bool { return rec.count("scheduler.task_failed") == 2 }, time.Second, 5*time.Millisecond)

	infos := s.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "boom", infos[0].Name)
	assert.EqualValues(t, 1, infos[0].Failures)
	assert.Equal(t, "upstream down", infos[0].LastError)
	assert.Equal(t, "panic", infos[1].Name)
	assert.Contains(t, infos[1].LastError, ErrTaskPanic.Error())
}

func TestTaskTimeout(t *testing.T) {
	s, clock, rec := newTestScheduler(t, 20*time.Millisecond)

	require.NoError(t, s.Add("p", "slow", time.Minute, 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Activate("p")
	tick(t, clock, time.Minute, 1)

	require.Eventually(t, func() bool { return rec.count("scheduler.task_failed") == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.List()[0].LastError, "exceeded")
}

func TestAddValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, time.Second)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add("p", "zero", 0, 0, noop))
	assert.Error(t, s.Add("p", "neg", time.Minute, -time.Second, noop))
	assert.Error(t, s.Add("p", "nil", time.Minute, 0, nil))

	require.NoError(t, s.Add("p", "t", time.Minute, 0, noop))
	assert.Error(t, s.Add("p", "t", time.Minute, 0, noop), "duplicate name")

	s.Activate("p")
	assert.Error(t, s.Add("p", "late", time.Minute, 0, noop), "cannot stage into an active plugin")
}

func TestJittered(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Duration
		jitter time.Duration
	}{
		{name: "none", base: time.Minute},
		{name: "small", base: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "large", base: time.Hour, jitter: 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				got := jittered(tt.base, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.base, got)
					continue
				}
				assert.GreaterOrEqual(t, got, tt.base)
				assert.Less(t, got, tt.base+tt.jitter)
			}
		})
	}
}
