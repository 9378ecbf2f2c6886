// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package archive

import (
	"context"
	"path/filepath"
	"testing"

	"go.astrophena.name/tgproxy/internal/testutil"
)

func TestMem(t *testing.T) {
	t.Parallel()
	testStore(t, NewMem())
}

func TestJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "output", "archive.json")
	s, err := NewJSONFile(path)
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)

	// Reopening the file sees the same records.
	s2, err := NewJSONFile(path)
	if err != nil {
		t.Fatal(err)
	}
	record, err := s2.Get(context.Background(), "tg://proxy?server=1.2.3.4&port=443&secret=dd00")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(record), `{"ip":"1.2.3.4"}`)
}

func TestSQLite(t *testing.T) {
	t.Parallel()

	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	testStore(t, s)
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	const link = "tg://proxy?server=1.2.3.4&port=443&secret=dd00"

	// Missing link returns nil, nil.
	record, err := s.Get(ctx, link)
	if err != nil {
		t.Fatal(err)
	}
	if record != nil {
		t.Fatalf("got %q for a missing link, want nil", record)
	}

	if err := s.Set(ctx, link, []byte(`{"ip":"1.2.3.4"}`)); err != nil {
		t.Fatal(err)
	}
	record, err = s.Get(ctx, link)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(record), `{"ip":"1.2.3.4"}`)

	// Set overwrites.
	if err := s.Set(ctx, link, []byte(`{"ip":"1.2.3.4","port":"443"}`)); err != nil {
		t.Fatal(err)
	}
	record, err = s.Get(ctx, link)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(record), `{"ip":"1.2.3.4","port":"443"}`)

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, len(all), 1)
	testutil.AssertEqual(t, string(all[link]), `{"ip":"1.2.3.4","port":"443"}`)
}
