package anomaly

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(d *Detector, id string, samples ...float64) {
	for _, v := range samples {
		d.Observe(id, v)
	}
}

func TestObserveNeedsMinSamples(t *testing.T) {
	t.Parallel()
	d := New(Config{})
	seed(d, "lint", 100, 100, 100, 100)
	_, ok := d.Observe("lint", 1000)
	assert.False(t, ok, "four samples are below the default minimum")
}

func TestObserveFlagsFactorExcess(t *testing.T) {
	t.Parallel()
	d := New(Config{})
	seed(d, "lint", 100, 100, 100, 100, 100)

	msg, ok := d.Observe("lint", 250)
	require.True(t, ok)
	assert.Equal(t, "execution time 250.0ms exceeds baseline 100.0ms (2.5x)", msg)

	_, ok = d.Observe("lint", 130)
	assert.False(t, ok)
}

func TestObserveComparesBeforeAppending(t *testing.T) {
	t.Parallel()
	d := New(Config{MinSamples: 1})
	seed(d, "x", 10)
	_, ok := d.Observe("x", 200)
	assert.True(t, ok, "a fresh spike must not dilute its own baseline")
	assert.Equal(t, []float64{10, 200}, d.Profile("x"))
}

func TestObserveSigmaRule(t *testing.T) {
	t.Parallel()
	d := New(Config{})
	seed(d, "fmt", 100, 110, 90, 100, 110, 90)
	msg, ok := d.Observe("fmt", 180)
	require.True(t, ok)
	assert.Contains(t, msg, "exceeds baseline 100.0ms")
}

func TestObserveIgnoresSmallAbsoluteDeltas(t *testing.T) {
	t.Parallel()
	d := New(Config{})
	seed(d, "tiny", 1, 1, 1, 1, 1)
	_, ok := d.Observe("tiny", 40)
	assert.False(t, ok, "40x slower but only 39ms over baseline")
}

func TestProfileIsBoundedRing(t *testing.T) {
	t.Parallel()
	d := New(Config{Window: 3, MinSamples: 1})
	seed(d, "r", 1, 2, 3, 4, 5)
	assert.Equal(t, []float64{3, 4, 5}, d.Profile("r"))

	got := d.Profile("r")
	got[0] = 99
	assert.Equal(t, []float64{3, 4, 5}, d.Profile("r"), "Profile returns a copy")

	d.Apply(Config{Window: 2, MinSamples: 1})
	d.Observe("r", 6)
	assert.Equal(t, []float64{5, 6}, d.Profile("r"))

	b := d.Baseline("r")
	assert.Equal(t, 2, b.Samples)
	assert.InDelta(t, 5.5, b.MeanMS, 1e-9)
	assert.Equal(t, 6.0, b.LastMS)
}

func TestResetAndUnknown(t *testing.T) {
	t.Parallel()
	d := New(Config{})
	assert.Nil(t, d.Profile("nope"))
	assert.Zero(t, d.Baseline("nope").Samples)
	seed(d, "a", 1, 2)
	d.Reset("a")
	assert.Nil(t, d.Profile("a"))
	_, ok := d.Observe("", 10)
	assert.False(t, ok)
}

func TestConcurrentObserve(t *testing.T) {
	t.Parallel()
	d := New(Config{Window: 50})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("h%d", g%3)
			for i := 0; i < 100; i++ {
				d.Observe(id, float64(i))
			}
		}(g)
	}
	wg.Wait()
	for id, b := range d.Baselines() {
		assert.Equal(t, 50, b.Samples, id)
	}
}
