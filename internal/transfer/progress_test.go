package transfer

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTracker_PercentageSpeedETA(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	tr := NewTracker("xfer-1", "big.bin", 10*mib, 10, WithClock(clock.Now))

	// Given a baseline and five 1 MiB acknowledgments one second apart
	tr.Start(0, 0)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		tr.Record(mib)
	}

	// Then half is done at 1 MiB/s with five seconds to go
	snap := tr.Snapshot()
	req.InDelta(50.0, snap.Percentage, 1e-9)
	req.Equal(uint32(5), snap.ChunksCompleted)
	req.InDelta(float64(mib), snap.SpeedBytesPerSec, 1e-6)
	req.InDelta(5.0, snap.ETASeconds, 1e-9)
}

func TestTracker_SpeedOverOneSecond(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	tr := NewTracker("xfer-1", "big.bin", 20*mib, 20, WithClock(clock.Now))

	tr.Start(0, 0)
	clock.Advance(1000 * time.Millisecond)
	tr.Record(10 * mib)

	req.InDelta(float64(10*mib), tr.Snapshot().SpeedBytesPerSec, 1e-6)
}

func TestTracker_InfiniteUntilMeasurable(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	tr := NewTracker("xfer-1", "f", 100, 1, WithClock(clock.Now))

	// no samples yet
	snap := tr.Snapshot()
	req.True(math.IsInf(snap.SpeedBytesPerSec, 1))
	req.True(math.IsInf(snap.ETASeconds, 1))

	// no time has elapsed
	tr.Start(0, 0)
	tr.Record(10)
	snap = tr.Snapshot()
	req.True(math.IsInf(snap.SpeedBytesPerSec, 1))
	req.True(math.IsInf(snap.ETASeconds, 1))
}

func TestTracker_ZeroSpeedHasInfiniteETA(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	tr := NewTracker("xfer-1", "f", 100, 2, WithClock(clock.Now))

	tr.Start(0, 0)
	clock.Advance(time.Second)
	tr.Record(0)

	snap := tr.Snapshot()
	req.Zero(snap.SpeedBytesPerSec)
	req.True(math.IsInf(snap.ETASeconds, 1))
}

func TestTracker_WindowDropsOldSamples(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	tr := NewTracker("xfer-1", "f", 100*mib, 100, WithClock(clock.Now), WithSpeedWindow(2*time.Second))

	// a slow start followed by a fast stretch
	tr.Start(0, 0)
	clock.Advance(10 * time.Second)
	tr.Record(mib)
	for i := 0; i < 4; i++ {
		clock.Advance(500 * time.Millisecond)
		tr.Record(4 * mib)
	}

	// only the last two seconds count: 16 MiB over 2 s
	req.InDelta(float64(8*mib), tr.Snapshot().SpeedBytesPerSec, 1e-6)
}

func TestTracker_ResumeBaselineAndSaturation(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	tr := NewTracker("xfer-1", "f", 10, 2, WithClock(clock.Now))

	tr.Start(5, 1)
	snap := tr.Snapshot()
	req.InDelta(50.0, snap.Percentage, 1e-9)
	req.Equal(uint32(1), snap.ChunksCompleted)

	clock.Advance(time.Second)
	tr.Record(5)
	clock.Advance(time.Second)
	tr.Record(5)
	snap = tr.Snapshot()
	req.Equal(100.0, snap.Percentage)
	req.Zero(snap.ETASeconds)
}

func TestTracker_EmptyFile(t *testing.T) {
	req := require.New(t)
	tr := NewTracker("xfer-1", "empty", 0, 1)
	tr.Start(0, 0)
	tr.Record(0)

	req.Zero(tr.Snapshot().Percentage)
	req.Zero(tr.Snapshot().ETASeconds)

	tr.Finish()
	req.Equal(100.0, tr.Snapshot().Percentage)
}
