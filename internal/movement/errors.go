package movement

import (
	"errors"
	"fmt"

	"waypoint/api/internal/bookmarks"
	"waypoint/api/internal/hooks"
)

// ErrorKind classifies why a bookmark movement was refused or failed.
type ErrorKind int

const (
	// PolicyViolation covers authorization denials, kind mismatches,
	// sync-config conflicts, non-fast-forward refusals and repo locks.
	PolicyViolation ErrorKind = iota
	// HookRejection means a changeset hook refused one of the commits
	// the movement would publish.
	HookRejection
	// LimitExceeded means the affected-changeset traversal grew past
	// the configured limit.
	LimitExceeded
	// SideEffectFailure means a mandatory side effect, such as git
	// mapping population, could not be prepared or applied.
	SideEffectFailure
	// CommitConflict means the bookmark moved underneath us and the
	// compare-and-set transaction lost the race.
	CommitConflict
)

func (k ErrorKind) String() string {
	switch k {
	case PolicyViolation:
		return "policy_violation"
	case HookRejection:
		return "hook_rejection"
	case LimitExceeded:
		return "limit_exceeded"
	case SideEffectFailure:
		return "side_effect_failure"
	case CommitConflict:
		return "commit_conflict"
	}
	return "unknown"
}

// Error is the failure type every movement operation returns for
// refusals it understands. Infrastructure errors (network, storage)
// pass through wrapped but unclassified.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the movement error kind wrapped anywhere in err's
// chain.
func KindOf(err error) (ErrorKind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return 0, false
}

func policyViolation(format string, args ...any) *Error {
	return &Error{Kind: PolicyViolation, Message: fmt.Sprintf(format, args...)}
}

func hookRejection(rej *hooks.Rejection) *Error {
	return &Error{
		Kind:    HookRejection,
		Message: fmt.Sprintf("hook %q rejected changeset %s: %s", rej.Hook, rej.Changeset, rej.Reason),
		Err:     rej,
	}
}

func limitExceeded(limit int, err error) *Error {
	return &Error{
		Kind:    LimitExceeded,
		Message: fmt.Sprintf("affected changesets exceed limit of %d", limit),
		Err:     err,
	}
}

func sideEffectFailure(what string, err error) *Error {
	return &Error{Kind: SideEffectFailure, Message: what, Err: err}
}

func commitConflict(bookmark bookmarks.Key, err error) *Error {
	return &Error{
		Kind:    CommitConflict,
		Message: fmt.Sprintf("bookmark %s was moved concurrently", bookmark),
		Err:     err,
	}
}
