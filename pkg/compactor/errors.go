// SPDX-License-Identifier: AGPL-3.0-only

package compactor

import (
	"github.com/pkg/errors"
)

// ConfigError signals a fatal construction-time configuration problem
// (spec.md §7): an unknown host or an invalid CompactionConfig.
type ConfigError struct {
	err error
}

func (e ConfigError) Error() string { return e.err.Error() }
func (e ConfigError) Unwrap() error { return e.err }

func newConfigError(format string, args ...interface{}) error {
	return ConfigError{err: errors.Errorf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce ConfigError
	return errors.As(err, &ce)
}

// TrackingError is returned by SnapshotTracker.AddSnapshot when the
// snapshot's host is not one of the hosts the tracker was constructed with.
// The snapshot is dropped; the error is reported to the caller (spec.md §7).
type TrackingError struct {
	HostId HostId
	err    error
}

func (e TrackingError) Error() string { return e.err.Error() }
func (e TrackingError) Unwrap() error { return e.err }

func newTrackingError(host HostId) error {
	return TrackingError{
		HostId: host,
		err:    errors.Errorf("host %q is not getting tracked", host),
	}
}

// IsTrackingError reports whether err is (or wraps) a TrackingError.
func IsTrackingError(err error) bool {
	var te TrackingError
	return errors.As(err, &te)
}

// PlanError signals an internal invariant violation while planning, e.g. a
// non-empty gen1 set with no discoverable min time (spec.md §7). Fatal to
// the round.
type PlanError struct {
	err error
}

func (e PlanError) Error() string { return e.err.Error() }
func (e PlanError) Unwrap() error { return e.err }

func newPlanError(format string, args ...interface{}) error {
	return PlanError{err: errors.Errorf(format, args...)}
}

// IsPlanError reports whether err is (or wraps) a PlanError.
func IsPlanError(err error) bool {
	var pe PlanError
	return errors.As(err, &pe)
}

// CompactionError wraps an I/O, decode, cast, or executor failure during a
// single plan's execution (spec.md §7). Non-fatal to other plans in the
// same round; causes the round's summary to be withheld.
type CompactionError struct {
	Db, Table string
	err       error
}

func (e CompactionError) Error() string {
	return errors.Wrapf(e.err, "compaction failed for %s.%s", e.Db, e.Table).Error()
}
func (e CompactionError) Unwrap() error { return e.err }

func wrapCompactionError(db, table string, err error) error {
	if err == nil {
		return nil
	}
	return CompactionError{Db: db, Table: table, err: err}
}

// IsCompactionError reports whether err is (or wraps) a CompactionError.
func IsCompactionError(err error) bool {
	var ce CompactionError
	return errors.As(err, &ce)
}

// CommitError signals that writing the round's compaction summary failed.
// Fatal to the round: no registry state is published and the round is
// retried in full (spec.md §7).
type CommitError struct {
	RoundId int64
	err     error
}

func (e CommitError) Error() string {
	return errors.Wrapf(e.err, "failed to commit round %d", e.RoundId).Error()
}
func (e CommitError) Unwrap() error { return e.err }

func newCommitError(roundID int64, err error) error {
	return CommitError{RoundId: roundID, err: err}
}

// IsCommitError reports whether err is (or wraps) a CommitError.
func IsCommitError(err error) bool {
	var ce CommitError
	return errors.As(err, &ce)
}
