// Package broadcast fans each raw frame out to every outbound channel in
// parallel.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/badgerloop-software/sc2-driver-io/internal/channel"
	"github.com/badgerloop-software/sc2-driver-io/internal/metrics"
)

// DefaultSendTimeout bounds one channel send.
const DefaultSendTimeout = 5 * time.Second

// Result is the outcome of one channel's send in SendSync.
type Result struct {
	Channel string
	Err     error
	Elapsed time.Duration
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithMaxConcurrent caps the number of sends running at once. Values below
// the roster length are raised to it.
func WithMaxConcurrent(n int) Option { return func(b *Broadcaster) { b.max = n } }

func WithSendTimeout(d time.Duration) Option { return func(b *Broadcaster) { b.timeout = d } }

func WithLogger(l *zap.Logger) Option { return func(b *Broadcaster) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Broadcaster) { b.m = m } }

// WithStatus forwards link changes reported by channels.
func WithStatus(fn func(channel.Status)) Option { return func(b *Broadcaster) { b.onStatus = fn } }

// Broadcaster owns a fixed, priority-ordered roster. Each channel has its
// own lane running at most one send at a time, so a slow channel only
// delays itself. Async sends to a busy lane coalesce to the latest frame.
type Broadcaster struct {
	lanes    []*lane
	max      int
	sem      *semaphore.Weighted
	timeout  time.Duration
	log      *zap.Logger
	m        *metrics.Metrics
	onStatus func(channel.Status)

	inflight sync.WaitGroup
}

type lane struct {
	ch      channel.Channel
	slot    *semaphore.Weighted
	healthy atomic.Bool

	mu   sync.Mutex
	busy bool
	next *job
}

type job struct {
	p  []byte
	ts time.Time
}

// New takes ownership of roster; it must not change afterwards.
func New(roster []channel.Channel, opts ...Option) *Broadcaster {
	b := &Broadcaster{timeout: DefaultSendTimeout}
	for _, o := range opts {
		o(b)
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.max <= 0 {
		b.max = max(len(roster), 2)
	} else if b.max < len(roster) {
		b.log.Warn("max concurrent below roster size, raising", zap.Int("configured", b.max), zap.Int("channels", len(roster)))
		b.max = len(roster)
	}
	if b.timeout <= 0 {
		b.timeout = DefaultSendTimeout
	}
	if b.m == nil {
		b.m = metrics.Discard()
	}
	b.sem = semaphore.NewWeighted(int64(b.max))

	b.lanes = make([]*lane, len(roster))
	for i, ch := range roster {
		l := &lane{ch: ch, slot: semaphore.NewWeighted(1)}
		b.lanes[i] = l
		if sn, ok := ch.(channel.StatusNotifier); ok {
			sn.OnStatus(func(s channel.Status) {
				l.healthy.Store(s.Connected)
				b.log.Info("channel status", zap.String("channel", s.Channel), zap.Bool("connected", s.Connected))
				if b.onStatus != nil {
					b.onStatus(s)
				}
			})
		}
	}
	return b
}

// Roster returns the channels in priority order.
func (b *Broadcaster) Roster() []channel.Channel {
	out := make([]channel.Channel, len(b.lanes))
	for i, l := range b.lanes {
		out[i] = l.ch
	}
	return out
}

// MaxConcurrent reports the concurrency cap.
func (b *Broadcaster) MaxConcurrent() int { return b.max }

// Active returns the index of the highest-priority channel whose last send
// succeeded or whose link last reported up, or -1.
func (b *Broadcaster) Active() int {
	for i, l := range b.lanes {
		if l.healthy.Load() {
			return i
		}
	}
	return -1
}

// SendAsync starts one send per channel and returns immediately. A channel
// still busy with an earlier frame gets this one queued in place of any
// frame already waiting. Failures are logged and counted only.
func (b *Broadcaster) SendAsync(payload []byte, ts time.Time) {
	if len(b.lanes) == 0 {
		return
	}
	j := job{p: append([]byte(nil), payload...), ts: ts}
	for i, l := range b.lanes {
		l.mu.Lock()
		if l.busy {
			if l.next != nil {
				b.m.ChannelSends.WithLabelValues(l.ch.Name(), "coalesced").Inc()
			}
			l.next = &j
			l.mu.Unlock()
			continue
		}
		l.busy = true
		l.mu.Unlock()

		b.inflight.Add(1)
		go b.drain(i, j)
	}
}

// drain sends j and then whatever frame was queued behind it until the lane
// is idle.
func (b *Broadcaster) drain(i int, j job) {
	defer b.inflight.Done()
	l := b.lanes[i]
	for {
		b.send(context.Background(), i, j.p, j.ts)

		l.mu.Lock()
		if l.next == nil {
			l.busy = false
			l.mu.Unlock()
			return
		}
		j = *l.next
		l.next = nil
		l.mu.Unlock()
	}
}

// SendSync sends to every channel and blocks until all complete. Results
// are in roster order.
func (b *Broadcaster) SendSync(ctx context.Context, payload []byte, ts time.Time) []Result {
	results := make([]Result, len(b.lanes))
	if len(b.lanes) == 0 {
		return results
	}
	p := append([]byte(nil), payload...)
	var wg sync.WaitGroup
	wg.Add(len(b.lanes))
	b.inflight.Add(len(b.lanes))
	for i := range b.lanes {
		go func(i int) {
			defer b.inflight.Done()
			defer wg.Done()
			results[i] = b.send(ctx, i, p, ts)
		}(i)
	}
	wg.Wait()
	return results
}

// Wait blocks until every send started so far, and every frame queued
// behind one, has finished.
func (b *Broadcaster) Wait() { b.inflight.Wait() }

func (b *Broadcaster) send(ctx context.Context, i int, p []byte, ts time.Time) Result {
	l := b.lanes[i]
	if err := l.slot.Acquire(ctx, 1); err != nil {
		return b.finish(i, err, 0)
	}
	defer l.slot.Release(1)
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return b.finish(i, err, 0)
	}
	defer b.sem.Release(1)

	b.m.SendsInFlight.Inc()
	defer b.m.SendsInFlight.Dec()

	sctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	start := time.Now()
	err := l.ch.Send(sctx, p, ts)
	return b.finish(i, err, time.Since(start))
}

func (b *Broadcaster) finish(i int, err error, elapsed time.Duration) Result {
	l := b.lanes[i]
	name := l.ch.Name()
	b.m.SendLatency.WithLabelValues(name).Observe(elapsed.Seconds())
	switch {
	case err == nil:
		l.healthy.Store(true)
		b.m.ChannelSends.WithLabelValues(name, "ok").Inc()
	case errors.Is(err, channel.ErrRateLimited):
		// throttled, not down
		b.m.ChannelSends.WithLabelValues(name, "rate_limited").Inc()
		b.log.Debug("send dropped", zap.String("channel", name), zap.Error(err))
	default:
		l.healthy.Store(false)
		b.m.ChannelSends.WithLabelValues(name, "error").Inc()
		b.log.Warn("send failed", zap.String("channel", name), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
	return Result{Channel: name, Err: err, Elapsed: elapsed}
}
