package ws

import (
	"strconv"
	"sync"
	"time"
)

// volumeRecorder is the monitor surface the tracker reports into.
// *monitor.Monitor satisfies it.
type volumeRecorder interface {
	RecordVolume(tenantID, windowKey string, count float64)
}

// volumeTracker counts session starts per tenant per hour and reports each
// finished period to the monitor under a weekday-hour window key, so spikes
// compare against the same hour of previous days. A ticker closes out the
// period even when no new session arrives after the boundary.
type volumeTracker struct {
	mon  volumeRecorder
	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	period time.Time
	counts map[string]int
}

func newVolumeTracker(mon volumeRecorder) *volumeTracker {
	v := &volumeTracker{
		mon:    mon,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		period: time.Now().Truncate(time.Hour),
		counts: make(map[string]int),
	}
	go v.flushLoop()
	return v
}

func (v *volumeTracker) flushLoop() {
	defer close(v.done)
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			v.roll(now)
		case <-v.stop:
			return
		}
	}
}

func (v *volumeTracker) sessionStarted(tenantID string) {
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rollLocked(now)
	v.counts[tenantID]++
}

func (v *volumeTracker) roll(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rollLocked(now)
}

// rollLocked flushes the finished period's counts once now has crossed the
// hour boundary. Caller holds v.mu.
func (v *volumeTracker) rollLocked(now time.Time) {
	period := now.Truncate(time.Hour)
	if period.Equal(v.period) {
		return
	}
	key := windowKey(v.period)
	for tenant, count := range v.counts {
		v.mon.RecordVolume(tenant, key, float64(count))
	}
	v.period = period
	v.counts = make(map[string]int)
}

// close stops the flush ticker. The partial period is discarded: window
// history compares full-hour counts, and a truncated hour would skew the
// baseline.
func (v *volumeTracker) close() {
	close(v.stop)
	<-v.done
}

// windowKey is weekday plus hour-of-day, e.g. "Mon-14".
func windowKey(t time.Time) string {
	return t.Weekday().String()[:3] + "-" + strconv.Itoa(t.Hour())
}
