package sv

import "math"

// ProgressFunc receives the fraction of work done, in [0, 1], and a
// human-readable message. A non-nil return value aborts the run; this is the
// cooperative cancellation point of every phase.
type ProgressFunc func(fraction float64, msg string) error

// subProgress maps [0, 1] of a phase onto [lo, hi] of the overall progress.
// Reported fractions never decrease.
func subProgress(p ProgressFunc, lo, hi float64) ProgressFunc {
	last := lo
	return func(fraction float64, msg string) error {
		if p == nil {
			return nil
		}
		v := lo + (hi-lo)*math.Max(0, math.Min(1, fraction))
		if v < last {
			v = last
		}
		last = v
		return p(v, msg)
	}
}
