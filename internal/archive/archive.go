// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package archive stores records of previously posted proxies, keyed by
// their canonical tg:// link.
package archive

import "context"

// Store is a generic interface for an archive backend.
type Store interface {
	// Get retrieves a record for a given link.
	// It must return (nil, nil) if the link is not archived.
	Get(ctx context.Context, link string) ([]byte, error)
	// Set stores a record for a given link.
	Set(ctx context.Context, link string, record []byte) error
	// All returns all archived records, keyed by link.
	All(ctx context.Context) (map[string][]byte, error)
	// Close closes the store and releases any resources.
	Close() error
}
