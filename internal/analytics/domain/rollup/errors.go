package rollup

import "errors"

var (
	// ErrInvalidTier is returned for tiers other than HOUR and DAY.
	ErrInvalidTier = errors.New("rollup: invalid tier")
	// ErrInvalidBucket is returned when a bucket start is zero or unaligned.
	ErrInvalidBucket = errors.New("rollup: invalid bucket start")
	// ErrRollupInconsistency is reported when a previous run left an
	// in-flight window behind. The window is recomputed.
	ErrRollupInconsistency = errors.New("rollup: inconsistent progress")
	// ErrRunInProgress is returned when a run for the same tier is active.
	ErrRunInProgress = errors.New("rollup: run already in progress")
)
