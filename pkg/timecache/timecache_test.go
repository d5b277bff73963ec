package timecache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c := New()
	require.NotNil(t, c)
	require.False(t, c.Now().IsZero())
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}

func TestRunStop(t *testing.T) {
	c := New()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Stop()
	c.Stop()
	wg.Wait()

	frozen := c.Now()
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, frozen, c.Now())
}

func TestGlobal(t *testing.T) {
	require.WithinDuration(t, time.Now(), Now(), 2*time.Second)
}

func TestManual(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManual(start)
	require.True(t, m.Now().Equal(start))

	m.Advance(5 * time.Minute)
	require.True(t, m.Now().Equal(start.Add(5*time.Minute)))

	m.Set(start)
	require.True(t, m.Now().Equal(start))

	var _ Clock = m
	var _ Clock = New()
}

func BenchmarkNow(b *testing.B) {
	tc := New()
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tc.Run(time.Second)
	}()

	b.RunParallel(func(pb *testing.PB) {
		var now time.Time
		for pb.Next() {
			now = tc.Now()
		}
		_ = now
	})

	tc.Stop()
	wg.Wait()
}

func BenchmarkTimeNow(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		var now time.Time
		for pb.Next() {
			now = time.Now()
		}
		_ = now
	})
}
