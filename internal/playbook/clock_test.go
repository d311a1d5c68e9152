package playbook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = time.Second

// Pause, three ticks, resume, two ticks: only the last two count.
func TestClock_PausedTicksAreDropped(t *testing.T) {
	r := startRunner(t, numberedTemplate(3))

	require.NoError(t, r.Pause())
	for i := 0; i < 3; i++ {
		assert.False(t, r.Tick(tick))
	}
	require.NoError(t, r.Resume())
	for i := 0; i < 2; i++ {
		assert.True(t, r.Tick(tick))
	}

	c := r.Clock()
	assert.Equal(t, 2*tick, c.StepElapsed)
	assert.Equal(t, 2*tick, c.InstanceElapsed)
	assert.False(t, c.Paused)
}

func TestClock_PauseAndResumeAreIdempotent(t *testing.T) {
	r := startRunner(t, numberedTemplate(2))
	r.DrainEvents()

	require.NoError(t, r.Pause())
	require.NoError(t, r.Pause())
	assert.True(t, r.Paused())
	assert.Equal(t, []EventType{EventPaused}, eventTypes(r.DrainEvents()))

	require.NoError(t, r.Resume())
	require.NoError(t, r.Resume())
	assert.False(t, r.Paused())
	assert.Equal(t, []EventType{EventResumed}, eventTypes(r.DrainEvents()))
}

func TestClock_ResumeContinuesStepElapsed(t *testing.T) {
	r := startRunner(t, numberedTemplate(2))
	for i := 0; i < 3; i++ {
		r.Tick(tick)
	}
	require.NoError(t, r.Pause())
	require.NoError(t, r.Resume())
	r.Tick(tick)
	r.Tick(tick)

	assert.Equal(t, 5*tick, r.Clock().StepElapsed)
}

func TestClock_StepElapsedResetsOnStepChange(t *testing.T) {
	r := startRunner(t, numberedTemplate(3))
	for i := 0; i < 10; i++ {
		r.Tick(tick)
	}
	require.NoError(t, r.CompleteStep(1))

	c := r.Clock()
	assert.Equal(t, time.Duration(0), c.StepElapsed)
	assert.Equal(t, 10*tick, c.InstanceElapsed)

	r.Tick(tick)
	r.Tick(tick)
	require.NoError(t, r.NavigateTo(1))
	assert.Equal(t, time.Duration(0), r.Clock().StepElapsed, "revisit restarts the step clock")
	r.Tick(tick)

	inc := r.Incident()
	assert.Equal(t, 11*tick, inc.StepLogs[0].TimeSpent, "time spent accumulates across visits")
	assert.Equal(t, 2*tick, inc.StepLogs[1].TimeSpent)
}

func TestClock_EscalationFiresOncePerStep(t *testing.T) {
	r := startRunner(t, threeStepTemplate())
	require.NoError(t, r.ToggleActionItem(1, "a"))
	require.NoError(t, r.CompleteStep(1))
	r.DrainEvents()

	r.Tick(4 * time.Minute)
	assert.Empty(t, r.DrainEvents())

	r.Tick(time.Minute)
	events := r.DrainEvents()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventEscalation, ev.Type)
	assert.Equal(t, 2, ev.Step)
	assert.Equal(t, "facilities-manager", ev.Contact)
	assert.Equal(t, 5, ev.ElapsedMinutes)

	for i := 0; i < 10; i++ {
		r.Tick(time.Minute)
	}
	assert.Empty(t, r.DrainEvents())
	assert.Equal(t, []int{2}, r.Clock().EscalatedSteps)

	// State machine unaffected.
	assert.Equal(t, StatusActive, r.Incident().Status)
	assert.Equal(t, 2, r.Incident().CurrentStep)
}

// Leaving the frontier step and coming back restarts its clock, so the
// next crossing escalates again.
func TestClock_EscalationRearmsOnReentry(t *testing.T) {
	r := startRunner(t, threeStepTemplate())
	require.NoError(t, r.ToggleActionItem(1, "a"))
	require.NoError(t, r.CompleteStep(1))
	r.DrainEvents()

	r.Tick(5 * time.Minute)
	require.Equal(t, []EventType{EventEscalation}, eventTypes(r.DrainEvents()))

	require.NoError(t, r.NavigateTo(1))
	assert.Equal(t, []int{2}, r.Clock().EscalatedSteps)
	require.NoError(t, r.NavigateTo(2))
	assert.Empty(t, r.Clock().EscalatedSteps)

	r.Tick(4 * time.Minute)
	assert.Empty(t, r.DrainEvents())
	r.Tick(time.Minute + time.Second)
	events := r.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventEscalation, events[0].Type)
	assert.Equal(t, 2, events[0].Step)
}

func TestClock_NoEscalationWhilePaused(t *testing.T) {
	r := startRunner(t, threeStepTemplate())
	require.NoError(t, r.ToggleActionItem(1, "a"))
	require.NoError(t, r.CompleteStep(1))
	require.NoError(t, r.Pause())
	r.DrainEvents()

	r.Tick(time.Hour)
	assert.Empty(t, r.DrainEvents())
}

func TestClock_NoEscalationOnResolvedStep(t *testing.T) {
	r := startRunner(t, threeStepTemplate())
	require.NoError(t, r.ToggleActionItem(1, "a"))
	require.NoError(t, r.CompleteStep(1))
	require.NoError(t, r.ToggleActionItem(2, "seal"))
	require.NoError(t, r.CapturePhoto(2))
	require.NoError(t, r.CompleteStep(2))
	require.NoError(t, r.NavigateTo(2))
	r.DrainEvents()

	r.Tick(time.Hour)
	assert.Empty(t, r.DrainEvents())
}

func TestClock_TickDroppedWhileOperationRuns(t *testing.T) {
	r := startRunner(t, numberedTemplate(2))

	r.mu.Lock()
	applied := r.Tick(tick)
	r.mu.Unlock()

	assert.False(t, applied)
	assert.Equal(t, time.Duration(0), r.Clock().InstanceElapsed)
}

func TestClock_TicksStopAfterTermination(t *testing.T) {
	r := startRunner(t, numberedTemplate(2))
	r.Tick(tick)
	require.NoError(t, r.Abandon("Drill"))

	assert.False(t, r.Tick(tick))
	assert.Equal(t, tick, r.Incident().TotalElapsed)
}

func TestClock_ConcurrentTicksNeverDoubleApply(t *testing.T) {
	r := startRunner(t, numberedTemplate(2))

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Tick(tick) {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, time.Duration(applied)*tick, r.Clock().InstanceElapsed)
}

func TestRunClock(t *testing.T) {
	tpl := numberedTemplate(2)
	tpl.Steps[0].EscalationMinutes = 1
	tpl.Steps[0].EscalationContact = "ops"
	r := startRunner(t, tpl)
	r.DrainEvents()

	// Force the threshold so the first applied tick escalates.
	r.mu.Lock()
	r.clock.stepElapsed = time.Minute
	r.mu.Unlock()

	var mu sync.Mutex
	var delivered []Event
	stopped := make(chan struct{})
	go func() {
		r.RunClock(context.Background(), 5*time.Millisecond, nil, func(evs []Event) {
			mu.Lock()
			delivered = append(delivered, evs...)
			mu.Unlock()
		})
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventEscalation, delivered[0].Type)

	require.NoError(t, r.Abandon("Drill over"))
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("clock loop did not stop after termination")
	}
}

func TestRunClock_StopsOnCancel(t *testing.T) {
	r := startRunner(t, numberedTemplate(2))
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		r.RunClock(ctx, time.Millisecond, nil, nil)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("clock loop did not stop on cancel")
	}
}
