// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package archive

import (
	"context"

	"go.astrophena.name/tgproxy/internal/syncx"
)

// Mem is an in-memory implementation of the [Store] interface, used in tests.
type Mem struct {
	records *syncx.Protected[map[string][]byte]
}

// NewMem creates a new empty [Mem] store.
func NewMem() *Mem {
	return &Mem{records: syncx.Protect(make(map[string][]byte))}
}

// Get retrieves a record for a given link.
func (s *Mem) Get(_ context.Context, link string) ([]byte, error) {
	var record []byte
	s.records.RAccess(func(m map[string][]byte) {
		if r, ok := m[link]; ok {
			record = append([]byte(nil), r...)
		}
	})
	return record, nil
}

// Set stores a record for a given link.
func (s *Mem) Set(_ context.Context, link string, record []byte) error {
	s.records.Access(func(m map[string][]byte) {
		m[link] = append([]byte(nil), record...)
	})
	return nil
}

// All returns all records, keyed by link.
func (s *Mem) All(_ context.Context) (map[string][]byte, error) {
	all := make(map[string][]byte)
	s.records.RAccess(func(m map[string][]byte) {
		for link, record := range m {
			all[link] = append([]byte(nil), record...)
		}
	})
	return all, nil
}

// Close is a no-op for Mem.
func (s *Mem) Close() error { return nil }
