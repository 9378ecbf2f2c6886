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
	urlpkg "net/url"
	"os"
	"regexp"
	"time"

	"go.astrophena.name/tgproxy/internal/syncx"
	"go.astrophena.name/tgproxy/internal/version"
)

// Proxy fetching.

const (
	errorThreshold        = 12 // failing continuously for N fetches will disable source and complain loudly
	fetchConcurrencyLimit = 10 // N fetches that can run at the same time
)

// proxy is a single MTProto proxy entry as it appears in source lists and
// in the archive.
type proxy struct {
	IP          string      `json:"ip,omitempty"`
	Port        json.Number `json:"port,omitempty"`
	Secret      string      `json:"secret,omitempty"`
	CountryName string      `json:"country_name,omitempty"`
	CountryCode string      `json:"country_code,omitempty"`
	CountryFlag string      `json:"country_flag,omitempty"`
	Provider    string      `json:"provider,omitempty"`
	TGLink      string      `json:"tg_link"`
}

func (p *publisher) fetchAll(ctx context.Context) []*proxy {
	var (
		proxies = make(chan *proxy)
		fetched []*proxy
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		for pr := range proxies {
			fetched = append(fetched, pr)
		}
	}()

	lwg := syncx.NewLimitedWaitGroup(fetchConcurrencyLimit)
	for _, src := range p.sources {
		if ctx.Err() != nil {
			break
		}
		lwg.Go(func() {
			p.fetch(ctx, src, proxies)
		})
	}
	lwg.Wait()
	close(proxies)
	<-done

	return fetched
}

// fetch fetches a single source. Each fetch runs in it's own goroutine.
func (p *publisher) fetch(ctx context.Context, src *source, proxies chan *proxy) {
	startTime := p.now()
	key := src.key()

	state, exists := p.getState(key)
	if !exists {
		p.slog.Debug("initializing state", "source", key)
		p.state.Access(func(s map[string]*sourceState) {
			s[key] = new(sourceState)
			state = s[key]
		})
	}

	if state.Disabled {
		p.slog.Debug("skipping, source is disabled", "source", key)
		return
	}

	var (
		list []*proxy
		err  error
	)
	switch {
	case src.Path != "":
		list, err = p.fetchFromFile(src.Path)
	case src.Feed != "":
		list, err = p.fetchFromFeed(ctx, src.Feed)
	default:
		var notModified bool
		list, notModified, err = p.fetchFromURL(ctx, src.URL, state)
		if notModified {
			p.slog.Debug("unmodified source", "source", key)
			state.LastUpdated = p.now()
			state.ErrorCount = 0
			state.LastError = ""
			return
		}
	}
	if err != nil {
		p.handleFetchFailure(ctx, state, key, err)
		return
	}

	for _, pr := range list {
		proxies <- pr
	}

	state.LastUpdated = p.now()
	state.ErrorCount = 0
	state.LastError = ""
	state.FetchCount += 1

	p.stats.Access(func(s *stats) {
		s.SuccessSources += 1
		s.TotalFetchTime += p.now().Sub(startTime)
	})

	p.slog.Debug("fetched source", "source", key, "proxies", len(list))
}

func (p *publisher) fetchFromURL(ctx context.Context, url string, state *sourceState) (list []*proxy, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	req.Header.Set("User-Agent", version.UserAgent())
	if state.ETag != "" {
		req.Header.Set("If-None-Match", state.ETag)
	}
	if state.LastModified != "" {
		req.Header.Set("If-Modified-Since", state.LastModified)
	}

	res, err := p.httpc.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified {
		return nil, true, nil
	}
	if res.StatusCode != http.StatusOK {
		const readLimit = 16384 // enough for error messages

		body, err := io.ReadAll(io.LimitReader(res.Body, readLimit))
		if err != nil {
			body = []byte("unable to read body")
		}
		return nil, false, fmt.Errorf("want 200, got %d: %s", res.StatusCode, body)
	}

	state.ETag = res.Header.Get("ETag")
	if lastModified := res.Header.Get("Last-Modified"); lastModified != "" {
		state.LastModified = lastModified
	}

	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return nil, false, err
	}
	return list, false, nil
}

func (p *publisher) fetchFromFile(path string) ([]*proxy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []*proxy
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	return list, nil
}

var proxyLinkRe = regexp.MustCompile(`(?:tg://proxy|https://t\.me/proxy)\?[^\s"'<>]+`)

// fetchFromFeed extracts tg://proxy links from items of an RSS or Atom
// feed. Proxies built this way only carry what the link itself encodes.
func (p *publisher) fetchFromFeed(ctx context.Context, url string) ([]*proxy, error) {
	feed, err := p.fp.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, err
	}

	var list []*proxy
	for _, item := range feed.Items {
		for _, text := range []string{item.Link, item.Description, item.Content} {
			for _, link := range proxyLinkRe.FindAllString(text, -1) {
				pr, err := proxyFromLink(link)
				if err != nil {
					p.slog.Debug("skipping malformed proxy link", "item", item.Link, "error", err)
					continue
				}
				list = append(list, pr)
			}
		}
	}
	return list, nil
}

func proxyFromLink(link string) (*proxy, error) {
	u, err := urlpkg.Parse(link)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	pr := &proxy{
		IP:     q.Get("server"),
		Port:   json.Number(q.Get("port")),
		Secret: q.Get("secret"),
	}
	if pr.IP == "" || pr.Port == "" || pr.Secret == "" {
		return nil, fmt.Errorf("link %q misses server, port or secret", link)
	}
	pr.TGLink = fmt.Sprintf("tg://proxy?server=%s&port=%s&secret=%s", pr.IP, pr.Port, pr.Secret)
	return pr, nil
}

func (p *publisher) handleFetchFailure(ctx context.Context, state *sourceState, key string, err error) {
	p.stats.Access(func(s *stats) {
		s.FailedSources += 1
	})

	state.FetchFailCount += 1
	state.ErrorCount += 1
	state.LastError = err.Error()

	p.slog.Debug("fetch failed", "source", key, "error", err)

	// Complain loudly and disable source, if we failed previously enough.
	if state.ErrorCount >= errorThreshold {
		err = fmt.Errorf("fetching source %q failed after %d previous attempts: %v; source was disabled, to reenable it run 'tgproxy reenable %q'", key, state.ErrorCount, err, key)
		state.Disabled = true

		if err := p.errNotify(ctx, err); err != nil {
			p.slog.Warn("failed to send error notification", "error", err)
		}
	}
}

// stats of a single run.
type stats struct {
	StartTime      time.Time     `json:"start_time"`
	Duration       time.Duration `json:"duration"`
	TotalFetched   int           `json:"total_fetched"`
	NewProxies     int           `json:"new_proxies"`
	Posted         int           `json:"posted"`
	SuccessSources int           `json:"success_sources"`
	FailedSources  int           `json:"failed_sources"`
	TotalFetchTime time.Duration `json:"total_fetch_time"`
}
