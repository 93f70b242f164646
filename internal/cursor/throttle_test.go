// SPDX-License-Identifier: MIT

package cursor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu      sync.Mutex
	samples []Sample
}

func (c *collector) emit(s Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *collector) all() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.samples...)
}

func TestThrottle_LatestWins(t *testing.T) {
	c := &collector{}
	th := New(20*time.Millisecond, c.emit)

	// A burst inside one window collapses to the newest sample.
	for i := 1; i <= 50; i++ {
		th.Offer(Sample{X: float64(i), Y: float64(i)})
	}
	time.Sleep(60 * time.Millisecond)
	th.Close()

	samples := c.all()
	require.NotEmpty(t, samples)
	assert.Less(t, len(samples), 5, "a single burst must not emit per sample")
	assert.Equal(t, Sample{X: 50, Y: 50}, samples[len(samples)-1])
}

func TestThrottle_EmitsAcrossWindows(t *testing.T) {
	c := &collector{}
	th := New(10*time.Millisecond, c.emit)

	th.Offer(Sample{X: 1})
	time.Sleep(30 * time.Millisecond)
	th.Offer(Sample{X: 2})
	time.Sleep(30 * time.Millisecond)
	th.Close()

	samples := c.all()
	require.Len(t, samples, 2)
	assert.Equal(t, 1.0, samples[0].X)
	assert.Equal(t, 2.0, samples[1].X)
}

func TestThrottle_CloseFlushesPending(t *testing.T) {
	c := &collector{}
	th := New(time.Hour, c.emit) // window never fires on its own

	th.Offer(Sample{X: 7, Y: 9})
	th.Close()

	samples := c.all()
	require.Len(t, samples, 1)
	assert.Equal(t, Sample{X: 7, Y: 9}, samples[0])
}

func TestThrottle_CloseIdempotent(t *testing.T) {
	th := New(time.Hour, func(Sample) {})
	th.Close()
	th.Close()
}

func TestThrottle_OfferAfterCloseIsNoop(t *testing.T) {
	c := &collector{}
	th := New(time.Hour, c.emit)
	th.Close()

	th.Offer(Sample{X: 1})
	assert.Empty(t, c.all())
}

func TestThrottle_ConcurrentProducers(t *testing.T) {
	c := &collector{}
	th := New(5*time.Millisecond, c.emit)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				th.Offer(Sample{X: float64(i)})
			}
		}()
	}
	wg.Wait()
	th.Close()

	// No assertion on the exact count; the point is no deadlock or panic and
	// far fewer emissions than offers.
	assert.Less(t, len(c.all()), 100)
}
