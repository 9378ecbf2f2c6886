// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.astrophena.name/tgproxy/internal/atomicio"
	"go.astrophena.name/tgproxy/internal/syncx"
)

// Source state.

type sourceState struct {
	Disabled     bool      `json:"disabled"`
	LastUpdated  time.Time `json:"last_updated"`
	LastModified string    `json:"last_modified,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	ErrorCount   int       `json:"error_count,omitempty"`
	LastError    string    `json:"last_error,omitempty"`

	// Stats.
	FetchCount     int64 `json:"fetch_count"`      // successful fetches
	FetchFailCount int64 `json:"fetch_fail_count"` // failed fetches
}

func (p *publisher) getState(key string) (state *sourceState, exists bool) {
	p.state.RAccess(func(s map[string]*sourceState) {
		state, exists = s[key]
	})
	return
}

func (p *publisher) statePath() string { return filepath.Join(p.stateDir, "state.json") }

func (p *publisher) loadState(context.Context) error {
	stateMap := make(map[string]*sourceState)

	b, err := os.ReadFile(p.statePath())
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &stateMap); err != nil {
			return err
		}
	case os.IsNotExist(err):
	default:
		return err
	}

	p.state = syncx.Protect(stateMap)
	return nil
}

func (p *publisher) saveState(context.Context) error {
	var (
		state []byte
		err   error
	)
	p.state.RAccess(func(s map[string]*sourceState) {
		state, err = json.MarshalIndent(s, "", "  ")
	})
	if err != nil {
		return err
	}
	return atomicio.WriteFile(p.statePath(), state, 0o644)
}
