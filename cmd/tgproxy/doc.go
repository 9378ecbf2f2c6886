// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Tgproxy fetches MTProto proxy lists and publishes new proxies to a Telegram
channel.

Each proxy is posted as a QR code in a media album, followed by a reply
message listing addresses and countries with an inline keyboard of connect
buttons. Proxies that were already posted are remembered in an archive and
never posted twice.

# Usage

	$ tgproxy [flags...] <command> [arguments...]

Available commands:

  - run: fetch sources, post new proxies, update the archive. With -commit,
    also commit changed files and push them.
  - sources: list configured sources and their health.
  - archive: list archived proxies.
  - reenable <source>: clear the failure state of a disabled source.
  - commit: commit working tree changes (empty commit if none) with a
    timestamp message and push to main.
  - squash: collapse the branch history into a single parentless commit and
    force-push it.
  - admin: serve the local admin API.

# Environment Variables

The tgproxy program relies on the following environment variables:

  - TELEGRAM_BOT_TOKEN: Telegram bot token for accessing the Telegram Bot API.
  - TELEGRAM_CHANNEL_ID: Telegram chat ID where the program posts new proxies.
  - TELEGRAM_CHANNEL_HANDLE: optional channel handle appended to every post.
  - STATE_DIRECTORY: directory where per-source state is kept. Defaults to
    $XDG_STATE_HOME/tgproxy.
  - ARCHIVE_PATH: path of the JSON archive file. Defaults to
    output/archive.json.
  - ARCHIVE_DSN: SQLite DSN for the archive. When set, takes precedence over
    ARCHIVE_PATH.
  - GITHUB_TOKEN: token used to authenticate pushes made by the commit and
    squash commands.

# Configuration

tgproxy loads its configuration from the config.star file (by default
data/config.star). This file is written in Starlark language and defines a
list of sources, for example:

	sources = [
	    source(url = "https://example.com/proxies.json"),
	    source(path = "data/extra.json"),
	    source(feed = "https://example.com/proxies.xml", title = "Proxy feed"),
	]

	per_post = 10
	delay = "10m"

A source is one of:

  - url: a remote JSON array of proxy objects;
  - path: a local JSON array of proxy objects;
  - feed: an RSS or Atom feed whose items carry tg://proxy links.

per_post caps how many proxies go into a single media album (at most 10, the
Bot API limit), delay is the pause between albums, and channel_handle is the
handle appended to every post unless the TELEGRAM_CHANNEL_HANDLE environment
variable overrides it. error_thread_id, if set, routes failure notifications
to that message thread of the channel.

# State

tgproxy maintains a state for each source, including last update time, ETag,
error count, and last error message. It keeps track of failing sources and
disables them after a certain threshold of consecutive failures; the
reenable command puts a disabled source back into rotation. State is kept in
the state.json file in the state directory.

The archive of posted proxies is a plain JSON file meant to be committed to
the repository (see the commit command), or a SQLite database when
ARCHIVE_DSN is set.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/tgproxy/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
