package gitrepo

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Repository operations; check them with errors.Is.
var (
	// ErrNoRemote is returned when the configured remote does not exist or has no URL.
	ErrNoRemote = errors.New("remote not configured")

	// ErrDetachedHead is returned when HEAD does not point at a branch.
	ErrDetachedHead = errors.New("HEAD is detached")

	// ErrBranchMismatch is returned when HEAD is on a different branch than the configured one.
	ErrBranchMismatch = errors.New("HEAD is not on the configured branch")

	// ErrAuthRequired is returned when the remote rejected the request for lack of credentials
	// or no credential could be built for it.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNonFastForward is returned when the remote refused a push that would lose commits.
	ErrNonFastForward = errors.New("not a fast-forward")

	// ErrNoIdentity is returned when no user.name/user.email is configured for commits.
	ErrNoIdentity = errors.New("no commit identity configured")

	// ErrCheckoutConflict is returned when a fast-forward would overwrite local
	// changes. Nothing is written in that case.
	ErrCheckoutConflict = errors.New("local changes would be overwritten by checkout")

	// ErrLocked is returned when another process holds the repository lock.
	ErrLocked = errors.New("repository is locked by another process")
)

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
