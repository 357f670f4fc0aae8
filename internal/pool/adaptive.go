// adaptive.go implements the bitmap scan mode controller.  Under low
// contention a sequential sweep from word zero keeps the scan cache-warm;
// under heavy multi-thread churn every thread hammering word zero turns the
// allocation CAS into a retry storm.  The controller samples the windowed
// retry rate at power-of-two allocation boundaries and flips the pool into
// randomized-start mode, where each goroutine begins its sweep at an offset
// derived from its stack seed.
//
// The hysteresis constants are load-bearing: enable above 0.30, disable
// below 0.10, sample every 2^18 allocations, and dwell 50 heartbeats
// between switches so the mode cannot flap around a noisy threshold.  No
// clocks are involved anywhere.
//
// © 2025 arena-cache authors. MIT License.

package pool

import "sync/atomic"

const (
	scanEnableRate  = 0.30
	scanDisableRate = 0.10
	// defaultHeartbeatShift samples the retry window every 2^18 attempts.
	defaultHeartbeatShift = 18
	scanDwellHeartbeats   = 50
)

type scanControl struct {
	randomized atomic.Bool

	// heartbeatMask gates sampling; tests shrink the window through
	// setHeartbeatShift without touching the thresholds.
	heartbeatMask uint64

	heartbeats   atomic.Uint64
	lastSwitch   atomic.Uint64 // heartbeat index of the last mode change
	lastAttempts atomic.Uint64
	lastRetries  atomic.Uint64

	lastRate atomic.Uint64 // windowed rate ×1e6, snapshot use only
}

func newScanControl() scanControl {
	return scanControl{heartbeatMask: 1<<defaultHeartbeatShift - 1}
}

// observe is called once per TryAlloc attempt with the attempt ordinal.
// When the ordinal crosses a heartbeat boundary the caller's goroutine runs
// the (cheap) mode decision; concurrent heartbeats are harmless because the
// window deltas are advisory.
func (sc *scanControl) observe(attempt uint64, attempts, retries *atomic.Uint64) {
	if attempt&sc.heartbeatMask != 0 {
		return
	}
	hb := sc.heartbeats.Add(1)

	a := attempts.Load()
	r := retries.Load()
	da := a - sc.lastAttempts.Swap(a)
	dr := r - sc.lastRetries.Swap(r)
	if da == 0 {
		return
	}
	rate := float64(dr) / float64(da)
	sc.lastRate.Store(uint64(rate * 1e6))

	if hb-sc.lastSwitch.Load() < scanDwellHeartbeats {
		return
	}
	if !sc.randomized.Load() && rate > scanEnableRate {
		sc.randomized.Store(true)
		sc.lastSwitch.Store(hb)
	} else if sc.randomized.Load() && rate < scanDisableRate {
		sc.randomized.Store(false)
		sc.lastSwitch.Store(hb)
	}
}

// startWord maps a goroutine seed to a sweep origin.  Sequential mode
// always starts at word zero.
func (sc *scanControl) startWord(seed uintptr, words int) int {
	if !sc.randomized.Load() || words <= 1 {
		return 0
	}
	// Goroutine stacks are at least 2KiB apart; shifting drops the common
	// low-order alignment bits before the modulo spreads the origins.
	return int(seed>>7) % words
}

// rate returns the last windowed retry rate for snapshots.
func (sc *scanControl) rate() float64 {
	return float64(sc.lastRate.Load()) / 1e6
}

func (sc *scanControl) setHeartbeatShift(shift uint) {
	sc.heartbeatMask = 1<<shift - 1
}
