package gitrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
)

// Push sends the current branch to its configured branch on the remote.
// A remote that already has the commit is not an error.
func (r *Repository) Push(ctx context.Context) error {
	spec, err := r.pushRefSpec()
	if err != nil {
		return err
	}

	auth, err := r.authMethod()
	if err != nil {
		return err
	}

	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: r.opts.Remote,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return mapTransportError(err, fmt.Sprintf("failed to push %s", spec))
	}
	return nil
}

// pushRefSpec builds the push refspec for the current branch.
func (r *Repository) pushRefSpec() (config.RefSpec, error) {
	branch, err := r.Branch()
	if err != nil {
		return "", err
	}
	dst, err := r.mergeRef()
	if err != nil {
		return "", err
	}
	spec := config.RefSpec(fmt.Sprintf("%s:%s", branch, dst))
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid push refspec %s: %w", spec, err)
	}
	return spec, nil
}
