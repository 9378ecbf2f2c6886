// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"

	"crawshaw.dev/jsonfile"
)

// JSONFile is a file-backed implementation of the [Store] interface.
//
// The backing file is a plain JSON document, so it can be committed to the
// repository that publishes it.
type JSONFile struct {
	f *jsonfile.JSONFile[jsonArchive]
}

type jsonArchive struct {
	Proxies map[string]json.RawMessage `json:"proxies"`
}

// NewJSONFile creates a new [JSONFile] backed by the file at path, creating
// the file and its parent directory if they don't exist.
func NewJSONFile(path string) (*JSONFile, error) {
	f, err := jsonfile.Load[jsonArchive](path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		f, err = jsonfile.New[jsonArchive](path)
		if err == nil {
			err = f.Write(func(ja *jsonArchive) error {
				ja.Proxies = make(map[string]json.RawMessage)
				return nil
			})
		}
		if err != nil {
			return nil, err
		}
		return &JSONFile{f: f}, nil
	}
	if err != nil {
		return nil, err
	}
	return &JSONFile{f: f}, nil
}

// Get retrieves a record for a given link.
func (s *JSONFile) Get(_ context.Context, link string) ([]byte, error) {
	var record []byte
	s.f.Read(func(ja *jsonArchive) {
		if raw, ok := ja.Proxies[link]; ok {
			record = append([]byte(nil), raw...)
		}
	})
	return record, nil
}

// Set stores a record for a given link.
func (s *JSONFile) Set(_ context.Context, link string, record []byte) error {
	return s.f.Write(func(ja *jsonArchive) error {
		if ja.Proxies == nil {
			ja.Proxies = make(map[string]json.RawMessage)
		}
		ja.Proxies[link] = append(json.RawMessage(nil), record...)
		return nil
	})
}

// All returns all archived records, keyed by link.
func (s *JSONFile) All(_ context.Context) (map[string][]byte, error) {
	all := make(map[string][]byte)
	s.f.Read(func(ja *jsonArchive) {
		for link, raw := range maps.All(ja.Proxies) {
			all[link] = append([]byte(nil), raw...)
		}
	})
	return all, nil
}

// Close is a no-op for JSONFile, every write is already synced to disk.
func (s *JSONFile) Close() error { return nil }
