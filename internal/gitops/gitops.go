// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package gitops publishes pipeline results to a Git repository: it commits
// working tree changes and periodically collapses the branch history into a
// single parentless commit.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrNoRemote indicates the repository has no remote to push to.
var ErrNoRemote = errors.New("no remote configured")

// Signature identifies the committer of published commits.
type Signature struct {
	Name  string
	Email string
}

// Repo wraps an on-disk Git repository.
type Repo struct {
	repo *git.Repository
	sig  Signature
}

// Open opens the repository at path.
func Open(path string, sig Signature) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %q: %w", path, err)
	}
	return &Repo{repo: repo, sig: sig}, nil
}

// HasChanges reports whether the working tree differs from HEAD.
func (r *Repo) HasChanges() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

// CommitAll stages everything and commits with the given message. An empty
// commit is created when the tree is unchanged, so a no-op run still
// succeeds.
func (r *Repo) CommitAll(msg string, when time.Time) (plumbing.Hash, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, err
	}
	return wt.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            r.signature(when),
	})
}

// Squash collapses the history of branch into a single parentless commit
// containing the current working tree, and points branch at it. The old
// history becomes unreachable.
func (r *Repo) Squash(branch, msg string, when time.Time) (plumbing.Hash, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, err
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	scratchRef := plumbing.NewBranchReferenceName("squash-" + when.UTC().Format("20060102150405"))

	// Point HEAD at an unborn branch, so the next commit has no parents.
	if err := r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, scratchRef)); err != nil {
		return plumbing.ZeroHash, err
	}
	restoreHead := func() error {
		return r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef))
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            r.signature(when),
	})
	if err != nil {
		return plumbing.ZeroHash, errors.Join(err, restoreHead())
	}

	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(branchRef, hash)); err != nil {
		return plumbing.ZeroHash, errors.Join(err, restoreHead())
	}
	if err := restoreHead(); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := r.repo.Storer.RemoveReference(scratchRef); err != nil {
		return plumbing.ZeroHash, err
	}

	return hash, nil
}

// Push pushes branch to the origin remote. With force, the remote branch is
// overwritten, which is required after [Repo.Squash].
func (r *Repo) Push(ctx context.Context, branch, token string, force bool) error {
	if _, err := r.repo.Remote(git.DefaultRemoteName); err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return ErrNoRemote
		}
		return err
	}

	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch)
	if force {
		refspec = "+" + refspec
	}

	var auth transport.AuthMethod
	if token != "" {
		auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
	}

	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(refspec)},
		Auth:       auth,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// Head returns the commit HEAD points at.
func (r *Repo) Head() (*object.Commit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, err
	}
	return r.repo.CommitObject(head.Hash())
}

func (r *Repo) signature(when time.Time) *object.Signature {
	return &object.Signature{
		Name:  r.sig.Name,
		Email: r.sig.Email,
		When:  when,
	}
}
