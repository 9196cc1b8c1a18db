package transfer

import (
	"math"
	"sync"
	"time"
)

const (
	defaultSpeedWindow = 5 * time.Second
	maxSpeedSamples    = 64
)

// ProgressSnapshot is a point-in-time view of one transfer.
type ProgressSnapshot struct {
	TransferID       string
	FileName         string
	TotalBytes       int64
	TransferredBytes int64
	Percentage       float64
	ChunksCompleted  uint32
	TotalChunks      uint32
	SpeedBytesPerSec float64
	ETASeconds       float64
}

type sample struct {
	at    time.Time
	bytes int64
}

// Tracker derives percentage, throughput and ETA from acknowledged chunks.
// Throughput is measured over a rolling window of recent samples.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time

	window      time.Duration
	transferID  string
	fileName    string
	totalBytes  int64
	totalChunks uint32

	transferred int64
	chunks      uint32
	samples     []sample
	finished    bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithSpeedWindow sets how far back throughput samples are kept.
func WithSpeedWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// NewTracker creates a tracker for a transfer of totalBytes split into totalChunks.
func NewTracker(transferID, fileName string, totalBytes int64, totalChunks uint32, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		now:         time.Now,
		window:      defaultSpeedWindow,
		transferID:  transferID,
		fileName:    fileName,
		totalBytes:  totalBytes,
		totalChunks: totalChunks,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start records the baseline sample. On resume, bytes and chunks already held
// by the receiver are counted as transferred.
func (t *Tracker) Start(bytes int64, chunks uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferred = bytes
	t.chunks = chunks
	t.samples = append(t.samples[:0], sample{at: t.now(), bytes: bytes})
}

// Resize adjusts the totals after chunk size negotiation.
func (t *Tracker) Resize(totalChunks uint32) {
	t.mu.Lock()
	t.totalChunks = totalChunks
	t.mu.Unlock()
}

// Record adds one acknowledged chunk of n bytes.
func (t *Tracker) Record(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transferred += n
	t.chunks++
	t.samples = append(t.samples, sample{at: t.now(), bytes: t.transferred})
	t.prune()
}

// Finish marks the transfer verified.
func (t *Tracker) Finish() {
	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()
}

// prune drops samples older than the window, always keeping the newest two.
func (t *Tracker) prune() {
	cutoff := t.now().Add(-t.window)
	drop := 0
	for len(t.samples)-drop > 2 {
		if len(t.samples)-drop > maxSpeedSamples || t.samples[drop].at.Before(cutoff) {
			drop++
			continue
		}
		break
	}
	if drop > 0 {
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
}

// Snapshot computes the current progress view.
func (t *Tracker) Snapshot() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	speed := t.speed()
	return ProgressSnapshot{
		TransferID:       t.transferID,
		FileName:         t.fileName,
		TotalBytes:       t.totalBytes,
		TransferredBytes: t.transferred,
		Percentage:       t.percentage(),
		ChunksCompleted:  t.chunks,
		TotalChunks:      t.totalChunks,
		SpeedBytesPerSec: speed,
		ETASeconds:       eta(t.totalBytes-t.transferred, speed),
	}
}

func (t *Tracker) percentage() float64 {
	if t.totalBytes <= 0 {
		if t.finished {
			return 100
		}
		return 0
	}
	pct := float64(t.transferred) / float64(t.totalBytes) * 100
	return math.Min(pct, 100)
}

// speed is bytes per second between the oldest and newest retained samples.
func (t *Tracker) speed() float64 {
	if len(t.samples) < 2 {
		return math.Inf(1)
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsedMs := last.at.Sub(first.at).Milliseconds()
	if elapsedMs <= 0 {
		return math.Inf(1)
	}
	return float64(last.bytes-first.bytes) / float64(elapsedMs) * 1000
}

func eta(remaining int64, speed float64) float64 {
	if remaining <= 0 {
		return 0
	}
	if math.IsInf(speed, 0) || math.IsNaN(speed) || speed <= 0 {
		return math.Inf(1)
	}
	return float64(remaining) / speed
}
