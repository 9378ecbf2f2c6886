// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package gitops

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"go.astrophena.name/tgproxy/internal/testutil"
)

var testSig = Signature{Name: "test", Email: "test@example.com"}

func initRepo(t *testing.T) (dir string, r *Repo) {
	t.Helper()

	dir = t.TempDir()
	if _, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName("main"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	var err error
	r, err = Open(dir, testSig)
	if err != nil {
		t.Fatal(err)
	}
	return dir, r
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCommitAll(t *testing.T) {
	t.Parallel()

	dir, r := initRepo(t)
	now := time.Date(2025, 8, 30, 12, 30, 0, 0, time.UTC)

	writeFile(t, dir, "output/archive.json", `{"proxies":{}}`)

	changed, err := r.HasChanges()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, changed, true)

	if _, err := r.CommitAll("2025-08-30 12:30:00 UTC", now); err != nil {
		t.Fatal(err)
	}

	head, err := r.Head()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, head.Message, "2025-08-30 12:30:00 UTC")

	changed, err = r.HasChanges()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, changed, false)
}

func TestCommitAllEmpty(t *testing.T) {
	t.Parallel()

	dir, r := initRepo(t)
	now := time.Date(2025, 8, 30, 12, 30, 0, 0, time.UTC)

	writeFile(t, dir, "data/sources.json", "[]")
	first, err := r.CommitAll("first", now)
	if err != nil {
		t.Fatal(err)
	}

	// No changes: an empty commit is still created, not an error.
	second, err := r.CommitAll("second", now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected a new commit for the no-op case")
	}

	head, err := r.Head()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, head.NumParents(), 1)
}

func TestSquash(t *testing.T) {
	t.Parallel()

	dir, r := initRepo(t)
	now := time.Date(2025, 8, 30, 12, 30, 0, 0, time.UTC)

	writeFile(t, dir, "a.txt", "a")
	if _, err := r.CommitAll("first", now); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "b.txt", "b")
	if _, err := r.CommitAll("second", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	preHead, err := r.Head()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Squash("main", "squash", now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	head, err := r.Head()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, head.NumParents(), 0)
	testutil.AssertEqual(t, head.Message, "squash")
	// The squashed commit carries the same tree as the old history tip.
	testutil.AssertEqual(t, head.TreeHash, preHead.TreeHash)
}

func TestPush(t *testing.T) {
	t.Parallel()

	remoteDir := t.TempDir()
	if _, err := git.PlainInitWithOptions(remoteDir, &git.PlainInitOptions{
		Bare: true,
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName("main"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	dir, r := initRepo(t)
	gr, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gr.CreateRemote(&config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{remoteDir},
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 8, 30, 12, 30, 0, 0, time.UTC)
	writeFile(t, dir, "a.txt", "a")
	if _, err := r.CommitAll("first", now); err != nil {
		t.Fatal(err)
	}
	if err := r.Push(context.Background(), "main", "", false); err != nil {
		t.Fatal(err)
	}

	// Pushing again with nothing new is not an error.
	if err := r.Push(context.Background(), "main", "", false); err != nil {
		t.Fatal(err)
	}

	// After a squash the remote branch diverges, so only a force push works.
	if _, err := r.Squash("main", "squash", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := r.Push(context.Background(), "main", "", false); err == nil {
		t.Fatal("expected non-fast-forward push to fail")
	}
	if err := r.Push(context.Background(), "main", "", true); err != nil {
		t.Fatal(err)
	}

	remote, err := git.PlainOpen(remoteDir)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := remote.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		t.Fatal(err)
	}
	commit, err := remote.CommitObject(ref.Hash())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, commit.NumParents(), 0)
}

func TestPushNoRemote(t *testing.T) {
	t.Parallel()

	_, r := initRepo(t)
	err := r.Push(context.Background(), "main", "", false)
	if err != ErrNoRemote {
		t.Fatalf("got %v, want ErrNoRemote", err)
	}
}
