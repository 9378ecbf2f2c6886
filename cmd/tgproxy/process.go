// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"fmt"
	"regexp"
)

// Proxy cleaning and filtering.

// invalidCharsRe matches characters that must not appear in proxy secrets
// and links. Some sources serve entries with stray punctuation that breaks
// tg:// links.
var invalidCharsRe = regexp.MustCompile(`[@!#$%^&*()+:"'\[\]{}]`)

func cleanString(s string) string {
	return invalidCharsRe.ReplaceAllString(s, "")
}

// findNewProxies cleans fetched proxies and filters out ones that were
// already posted or already seen in this run.
func (p *publisher) findNewProxies(ctx context.Context, fetched []*proxy) ([]*proxy, error) {
	var (
		fresh []*proxy
		seen  = make(map[string]bool)
	)

	for _, pr := range fetched {
		if pr.Secret != "" {
			pr.Secret = cleanString(pr.Secret)
		}
		if pr.TGLink != "" {
			pr.TGLink = cleanString(pr.TGLink)
		}

		// Rebuild the link from components to ensure consistency.
		if pr.IP != "" && pr.Port != "" && pr.Secret != "" {
			rebuilt := fmt.Sprintf("tg://proxy?server=%s&port=%s&secret=%s", pr.IP, pr.Port, pr.Secret)
			if rebuilt != pr.TGLink {
				p.slog.Debug("rebuilt link", "server", pr.IP)
				pr.TGLink = rebuilt
			}
		}

		if pr.TGLink == "" {
			p.slog.Debug("skipping proxy without a link", "server", pr.IP)
			continue
		}

		if seen[pr.TGLink] {
			continue
		}

		archived, err := p.archive.Get(ctx, pr.TGLink)
		if err != nil {
			return nil, err
		}
		if archived != nil {
			continue
		}

		fresh = append(fresh, pr)
		seen[pr.TGLink] = true
	}

	return fresh, nil
}
