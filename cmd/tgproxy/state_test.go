// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"testing"

	"go.astrophena.name/tgproxy/internal/testutil"
)

func TestCleanStateRemovesStaleSources(t *testing.T) {
	t.Parallel()

	p := testPublisher(t, testMux(t, nil))

	if err := p.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := readState(t, p)["https://example.com/proxies.json"]; !ok {
		t.Fatal("state doesn't contain the configured source")
	}

	// Replace the config with a different source; the old one's state must
	// be dropped on the next run.
	writeConfig(t, p, `sources = [source(url = "https://example.com/other.json")]`+"\n")

	if err := p.run(context.Background()); err != nil {
		t.Fatal(err)
	}

	state := readState(t, p)
	if _, ok := state["https://example.com/proxies.json"]; ok {
		t.Fatal("state still contains the removed source")
	}
	if _, ok := state["https://example.com/other.json"]; !ok {
		t.Fatal("state doesn't contain the new source")
	}
}

func TestStatePersistsAcrossRuns(t *testing.T) {
	t.Parallel()

	p := testPublisher(t, testMux(t, nil))

	if err := p.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.run(context.Background()); err != nil {
		t.Fatal(err)
	}

	state := readState(t, p)
	testutil.AssertEqual(t, state["https://example.com/proxies.json"].FetchCount, int64(2))
}
