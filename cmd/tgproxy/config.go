// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// A source describes where a list of proxies comes from. Exactly one of
// URL, Path or Feed is set.
type source struct {
	URL   string `json:"url,omitempty"`
	Path  string `json:"path,omitempty"`
	Feed  string `json:"feed,omitempty"`
	Title string `json:"title,omitempty"`
}

// key uniquely identifies the source in state and logs.
func (s *source) key() string {
	switch {
	case s.URL != "":
		return s.URL
	case s.Path != "":
		return s.Path
	default:
		return s.Feed
	}
}

func (s *source) String() string        { return fmt.Sprintf("<source %q>", s.key()) }
func (s *source) Type() string          { return "source" }
func (s *source) Freeze()               {} // immutable
func (s *source) Truth() starlark.Bool  { return starlark.Bool(s.key() != "") }
func (s *source) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", s.Type()) }

func sourceBuiltin(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, fmt.Errorf("unexpected positional arguments")
	}
	s := new(source)
	if err := starlark.UnpackArgs("source", args, kwargs,
		"url?", &s.URL,
		"path?", &s.Path,
		"feed?", &s.Feed,
		"title?", &s.Title,
	); err != nil {
		return nil, err
	}
	var set int
	for _, v := range []string{s.URL, s.Path, s.Feed} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("source: exactly one of url, path or feed must be set")
	}
	return s, nil
}

// postingConfig controls how proxies are split into posts.
type postingConfig struct {
	// PerPost is the number of proxies per media album, at most 10.
	PerPost int
	// Delay is the pause between consecutive albums.
	Delay time.Duration
	// ChannelHandle is appended to every post, if set.
	ChannelHandle string
	// ErrorThreadID is the message thread of the channel that receives
	// failure notifications.
	ErrorThreadID int64
}

func (p *publisher) loadConfig(ctx context.Context) error {
	config, err := os.ReadFile(p.configPath)
	if err != nil {
		return err
	}
	p.config = string(config)

	p.sources, p.posting, err = p.parseConfig(p.config)
	if err != nil {
		return err
	}
	// TELEGRAM_CHANNEL_HANDLE takes precedence over channel_handle from the
	// config.
	if p.channelHandle != "" {
		p.posting.ChannelHandle = p.channelHandle
	}

	// error.tmpl next to config.star overrides the built-in error message
	// template.
	tmpl, err := os.ReadFile(filepath.Join(filepath.Dir(p.configPath), "error.tmpl"))
	switch {
	case err == nil:
		p.errorTemplate = string(tmpl)
	case os.IsNotExist(err):
		p.errorTemplate = defaultErrorTemplate
	default:
		return err
	}

	return nil
}

func (p *publisher) parseConfig(config string) ([]*source, postingConfig, error) {
	posting := postingConfig{
		PerPost: 10,
		Delay:   10 * time.Minute,
	}

	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{
			TopLevelControl: true,
		},
		&starlark.Thread{
			Print: func(_ *starlark.Thread, msg string) { p.logf("%s", msg) },
		},
		"config.star",
		config,
		starlark.StringDict{
			"source": starlark.NewBuiltin("source", sourceBuiltin),
		},
	)
	if err != nil {
		return nil, posting, err
	}

	sourcesList, ok := globals["sources"].(*starlark.List)
	if !ok {
		return nil, posting, errors.New("sources must be defined and be a list")
	}

	var sources []*source
	for elem := range sourcesList.Elements() {
		src, ok := elem.(*source)
		if !ok {
			continue
		}
		if src.URL != "" || src.Feed != "" {
			if _, err := url.Parse(src.key()); err != nil {
				return nil, posting, fmt.Errorf("invalid URL %q of source %q", src.key(), src.Title)
			}
		}
		sources = append(sources, src)
	}

	if perPost, ok := globals["per_post"]; ok {
		n, err := starlark.AsInt32(perPost)
		if err != nil {
			return nil, posting, fmt.Errorf("per_post: %w", err)
		}
		if n < 1 || n > 10 {
			return nil, posting, fmt.Errorf("per_post must be between 1 and 10, got %d", n)
		}
		posting.PerPost = int(n)
	}

	if delay, ok := globals["delay"]; ok {
		s, ok := starlark.AsString(delay)
		if !ok {
			return nil, posting, errors.New("delay must be a string")
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, posting, fmt.Errorf("delay: %w", err)
		}
		posting.Delay = d
	}

	if handle, ok := globals["channel_handle"]; ok {
		s, ok := starlark.AsString(handle)
		if !ok {
			return nil, posting, errors.New("channel_handle must be a string")
		}
		posting.ChannelHandle = s
	}

	if threadID, ok := globals["error_thread_id"]; ok {
		n, err := starlark.AsInt32(threadID)
		if err != nil {
			return nil, posting, fmt.Errorf("error_thread_id: %w", err)
		}
		posting.ErrorThreadID = int64(n)
	}

	return sources, posting, nil
}
