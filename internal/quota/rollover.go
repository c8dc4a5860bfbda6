package quota

import "time"

// rollWindow advances a rolling-window start. Once elapsed time
// reaches the window length the window restarts at now; the window is
// not cadence-aligned.
func rollWindow(now, start time.Time, length time.Duration) (time.Time, bool) {
	if start.IsZero() {
		return now, true
	}
	if length <= 0 {
		return start, false
	}
	if now.Sub(start) >= length {
		return now, true
	}
	return start, false
}

// rollCycle advances a cycle start to the most recent aligned boundary
// (start + k*length) at or before now. Keeping every subscription on a
// plan at the same cadence is what makes the bonus-pool projection
// comparable across tenants.
func rollCycle(now, start time.Time, length time.Duration) (time.Time, bool) {
	if start.IsZero() {
		return now, true
	}
	if length <= 0 {
		return start, false
	}
	elapsed := now.Sub(start)
	if elapsed < length {
		return start, false
	}
	k := elapsed / length
	return start.Add(k * length), true
}
