package lim

import (
	"sync"
	"time"

	"hastypaste/metrics"
	"hastypaste/svc/util"
)

// AnomalyDetector tracks the server error rate over a sliding window of
// one-minute buckets and calls onAnomaly when it gets too high.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	minRequests  int64
	maxErrorPct  float64
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		window:      make([]bucket, 5),
		minRequests: 10,
		maxErrorPct: 5.0,
		onAnomaly:   onAnomaly,
		done:        make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start(tick time.Duration) {
	ticker := time.NewTicker(tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.currentIndex].requests++
	d.mu.Unlock()
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.currentIndex].errors++
	d.mu.Unlock()
}

// AdvanceWindow evaluates the window and starts a fresh bucket. It returns
// the error rate it saw, in percent.
func (d *AnomalyDetector) AdvanceWindow() float64 {
	d.mu.Lock()
	var totalReqs, totalErrs int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalErrs += b.errors
	}
	var errorRate float64
	if totalReqs > 0 {
		errorRate = float64(totalErrs) / float64(totalReqs) * 100.0
	}
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(errorRate)
	if totalReqs > d.minRequests && errorRate > d.maxErrorPct {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", totalReqs).
			Int64("total_errs", totalErrs).
			Msg("high server error rate, tightening create limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	return errorRate
}
