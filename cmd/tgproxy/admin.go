// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.astrophena.name/tgproxy/internal/filelock"
	"go.astrophena.name/tgproxy/internal/web"
)

// Local admin API.

var errConflict = web.StatusErr(http.StatusConflict)

func (p *publisher) admin(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p.handleGetConfig(w, r)
		case http.MethodPut:
			p.handlePutConfig(w, r)
		default:
			web.RespondJSONError(p.logf, w, fmt.Errorf("method not allowed: %w", web.ErrMethodNotAllowed))
		}
	})
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p.handleGetState(w, r)
		case http.MethodPut:
			p.handlePutState(w, r)
		default:
			web.RespondJSONError(p.logf, w, fmt.Errorf("method not allowed: %w", web.ErrMethodNotAllowed))
		}
	})
	mux.HandleFunc("GET /api/archive", p.handleGetArchive)

	return web.ListenAndServe(ctx, &web.ListenAndServeConfig{
		Addr: p.adminAddr,
		Mux:  mux,
		Logf: p.logf,
	})
}

func (p *publisher) isRunLocked() bool {
	return filelock.IsLocked(filepath.Join(p.stateDir, ".run.lock"))
}

func (p *publisher) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	content, err := os.ReadFile(p.configPath)
	if err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("failed to read config: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(content)
}

func (p *publisher) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	if p.isRunLocked() {
		web.RespondJSONError(p.logf, w, fmt.Errorf("%w: cannot modify config: run is in progress", errConflict))
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("%w: failed to read request body", web.ErrBadRequest))
		return
	}

	// Validate config by parsing.
	if _, _, err := p.parseConfig(string(content)); err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("%w: invalid config: %v", web.ErrBadRequest, err))
		return
	}

	if err := os.WriteFile(p.configPath, content, 0o644); err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("failed to write config: %v", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (p *publisher) handleGetState(w http.ResponseWriter, r *http.Request) {
	content, err := os.ReadFile(p.statePath())
	if err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("failed to read state: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(content)
}

func (p *publisher) handlePutState(w http.ResponseWriter, r *http.Request) {
	if p.isRunLocked() {
		web.RespondJSONError(p.logf, w, fmt.Errorf("%w: cannot modify state: run is in progress", errConflict))
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("%w: failed to read request body", web.ErrBadRequest))
		return
	}

	var stateMap map[string]*sourceState
	if err := json.Unmarshal(content, &stateMap); err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("%w: invalid JSON: %v", web.ErrBadRequest, err))
		return
	}

	if err := os.WriteFile(p.statePath(), content, 0o644); err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("failed to write state: %v", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (p *publisher) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	if err := p.openArchive(r.Context()); err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("failed to open archive: %v", err))
		return
	}

	all, err := p.archive.All(r.Context())
	if err != nil {
		web.RespondJSONError(p.logf, w, fmt.Errorf("failed to read archive: %v", err))
		return
	}

	records := make(map[string]json.RawMessage, len(all))
	for link, record := range all {
		records[link] = json.RawMessage(record)
	}
	web.RespondJSON(w, records)
}
