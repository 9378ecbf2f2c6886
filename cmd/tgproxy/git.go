// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"

	"go.astrophena.name/tgproxy/internal/gitops"
)

// Committing results back to the repository.

const pushBranch = "main"

var committer = gitops.Signature{
	Name:  "tgproxy",
	Email: "tgproxy@astrophena.name",
}

// commitAndPush commits working tree changes (the archive and any source
// files updated during the run) and pushes them. An empty commit is created
// when nothing changed, so scheduled runs leave a trace either way.
func (p *publisher) commitAndPush(ctx context.Context) error {
	if p.dry {
		p.slog.Info("dry run, not committing")
		return nil
	}

	repo, err := gitops.Open(".", committer)
	if err != nil {
		return err
	}

	now := p.now().UTC()
	msg := now.Format("2006-01-02 15:04:05 UTC")

	changed, err := repo.HasChanges()
	if err != nil {
		return err
	}
	if !changed {
		p.slog.Info("no changes, creating empty commit")
	}

	hash, err := repo.CommitAll(msg, now)
	if err != nil {
		return err
	}
	p.slog.Info("committed", "hash", hash.String(), "message", msg)

	return p.push(ctx, repo, false)
}

// squash collapses the branch history into a single parentless commit and
// force-pushes it, keeping the repository small despite hourly commits.
func (p *publisher) squash(ctx context.Context) error {
	if p.dry {
		p.slog.Info("dry run, not squashing")
		return nil
	}

	repo, err := gitops.Open(".", committer)
	if err != nil {
		return err
	}

	now := p.now().UTC()
	msg := "Squash history: " + now.Format("2006-01-02 15:04:05 UTC")

	hash, err := repo.Squash(pushBranch, msg, now)
	if err != nil {
		return err
	}
	p.slog.Info("squashed history", "hash", hash.String())

	return p.push(ctx, repo, true)
}

func (p *publisher) push(ctx context.Context, repo *gitops.Repo, force bool) error {
	err := repo.Push(ctx, pushBranch, p.ghToken, force)
	if errors.Is(err, gitops.ErrNoRemote) {
		p.slog.Info("no remote configured, not pushing")
		return nil
	}
	if err != nil {
		return err
	}
	p.slog.Info("pushed", "branch", pushBranch, "force", force)
	return nil
}
