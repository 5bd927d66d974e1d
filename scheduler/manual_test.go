package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Time{})
	start := m.Now()

	var fired []string
	var firedAt []time.Duration
	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			firedAt = append(firedAt, m.Now().Sub(start))
		}
	}

	m.AfterFunc(500*time.Millisecond, record("overlay"))
	m.AfterFunc(200*time.Millisecond, record("inline"))
	m.AfterFunc(2*time.Second, record("modal"))

	m.Advance(499 * time.Millisecond)
	assert.Equal(t, []string{"inline"}, fired)

	m.Advance(time.Millisecond)
	assert.Equal(t, []string{"inline", "overlay"}, fired)

	m.Advance(10 * time.Second)
	assert.Equal(t, []string{"inline", "overlay", "modal"}, fired)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}, firedAt)
	assert.Equal(t, start.Add(10500*time.Millisecond), m.Now())
}

func TestManual_Stop(t *testing.T) {
	m := NewManual(time.Time{})
	called := false
	timer := m.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	m.Advance(2 * time.Second)
	assert.False(t, called)
	assert.Equal(t, 0, m.Pending())
}

func TestManual_StopAfterFire(t *testing.T) {
	m := NewManual(time.Time{})
	timer := m.AfterFunc(time.Millisecond, func() {})
	m.Advance(time.Millisecond)
	assert.False(t, timer.Stop())
}

func TestManual_TimersScheduledFromCallbacks(t *testing.T) {
	m := NewManual(time.Time{})
	count := 0

	var tick func()
	tick = func() {
		count++
		m.AfterFunc(16*time.Millisecond, tick)
	}
	m.AfterFunc(16*time.Millisecond, tick)

	m.Advance(100 * time.Millisecond)
	require.Equal(t, 6, count)
	assert.Equal(t, 1, m.Pending())
}

func TestManual_SameDeadlineKeepsRegistrationOrder(t *testing.T) {
	m := NewManual(time.Time{})
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		m.AfterFunc(10*time.Millisecond, func() { order = append(order, i) })
	}
	m.Advance(10 * time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	NewReal().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
