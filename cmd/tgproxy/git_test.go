// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"os"
	"testing"
	"time"

	"go.astrophena.name/tgproxy/internal/gitops"
	"go.astrophena.name/tgproxy/internal/testutil"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

func TestCommitMessageIsTimestamp(t *testing.T) {
	// commitAndPush opens the repository in the working directory, so no
	// t.Parallel here.

	dir := t.TempDir()
	if _, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName("main"),
		},
	}); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	if err := os.WriteFile("archive.json", []byte(`{"proxies":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	p := testPublisher(t, testMux(t, nil))
	p.now = func() time.Time {
		return time.Date(2025, 8, 30, 12, 34, 56, 0, time.UTC)
	}

	// The repository has no remote, so the push is skipped.
	if err := p.commitAndPush(context.Background()); err != nil {
		t.Fatal(err)
	}

	r, err := gitops.Open(dir, committer)
	if err != nil {
		t.Fatal(err)
	}
	head, err := r.Head()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, head.Message, "2025-08-30 12:34:56 UTC")
}
