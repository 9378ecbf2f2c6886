// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.astrophena.name/tgproxy/internal/archive"
	"go.astrophena.name/tgproxy/internal/cli"
	"go.astrophena.name/tgproxy/internal/filelock"
	"go.astrophena.name/tgproxy/internal/logger"
	"go.astrophena.name/tgproxy/internal/request"
	"go.astrophena.name/tgproxy/internal/syncx"

	"github.com/mmcdole/gofeed"
)

const tgAPI = "https://api.telegram.org"

//go:embed error.tmpl
var defaultErrorTemplate string

// Some types of errors that can happen during tgproxy execution.
var (
	errAlreadyRunning = errors.New("already running")
	errNoSource       = errors.New("no such source")
	errNoToken        = errors.New("TELEGRAM_BOT_TOKEN is not set")
	errNoChannel      = errors.New("TELEGRAM_CHANNEL_ID is not set")
)

func main() { cli.Main(new(publisher)) }

func (p *publisher) Flags(fs *flag.FlagSet) {
	fs.BoolVar(&p.dry, "dry", false, "Enable dry-run mode: log actions, but don't post, save state or commit.")
	fs.BoolVar(&p.json, "json", false, "Output in JSON format (honored in supported commands).")
	fs.BoolVar(&p.commit, "commit", false, "Commit and push changed files after a run.")
	fs.StringVar(&p.configPath, "config", "data/config.star", "Path to the config.star `file`.")
	fs.DurationVar(&p.maxRuntime, "max-runtime", 55*time.Minute, "Soft deadline for a run.")
	fs.StringVar(&p.adminAddr, "admin-addr", "localhost:3000", "Address for the admin command to listen on.")
}

func (p *publisher) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Load configuration from environment variables.
	p.botToken = cmp.Or(p.botToken, env.Getenv("TELEGRAM_BOT_TOKEN"))
	p.channelID = cmp.Or(p.channelID, env.Getenv("TELEGRAM_CHANNEL_ID"))
	p.channelHandle = cmp.Or(p.channelHandle, env.Getenv("TELEGRAM_CHANNEL_HANDLE"))
	p.ghToken = cmp.Or(p.ghToken, env.Getenv("GITHUB_TOKEN"))
	p.archivePath = cmp.Or(p.archivePath, env.Getenv("ARCHIVE_PATH"), filepath.Join("output", "archive.json"))
	p.archiveDSN = cmp.Or(p.archiveDSN, env.Getenv("ARCHIVE_DSN"))
	p.stateDir = cmp.Or(p.stateDir, env.Getenv("STATE_DIRECTORY"))
	if p.stateDir == "" {
		xdgStateHome := env.Getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		p.stateDir = filepath.Join(xdgStateHome, "tgproxy")
	}
	if err := os.MkdirAll(p.stateDir, 0o700); err != nil {
		return err
	}

	// Initialize internal state.
	p.init.Do(func() {
		p.doInit(ctx)
	})

	// Enable debug logging in dry-run mode.
	if p.dry {
		p.slogLevel.Set(slog.LevelDebug)
	}

	if len(env.Args) == 0 {
		return fmt.Errorf("%w: command is required, see -help for usage", cli.ErrInvalidArgs)
	}
	command := env.Args[0]

	switch command {
	case "admin":
		return p.admin(ctx)
	case "sources":
		return p.listSources(ctx, env.Stdout)
	case "archive":
		return p.listArchive(ctx, env.Stdout)
	case "run":
		runCtx, cancel := context.WithTimeout(ctx, p.maxRuntime)
		defer cancel()
		if err := p.run(runCtx); err != nil {
			if nerr := p.errNotify(ctx, err); nerr != nil {
				p.slog.Warn("failed to send error notification", "error", nerr)
			}
			return err
		}
		if p.commit {
			return p.commitAndPush(ctx)
		}
		return nil
	case "commit":
		return p.commitAndPush(ctx)
	case "squash":
		return p.squash(ctx)
	case "reenable":
		if len(env.Args) != 2 {
			return fmt.Errorf("%w: reenable command expects a source", cli.ErrInvalidArgs)
		}
		return p.reenable(ctx, env.Args[1])
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

type publisher struct {
	running atomic.Bool
	init    sync.Once

	// configuration
	adminAddr     string
	archiveDSN    string
	archivePath   string
	botToken      string
	channelID     string
	channelHandle string
	commit        bool
	configPath    string
	dry           bool
	ghToken       string
	json          bool
	maxRuntime    time.Duration
	stateDir      string
	// now acts as time.Now, but can be mocked for testing.
	now func() time.Time
	// sleep acts as time.Sleep honoring context cancellation, mocked for testing.
	sleep func(context.Context, time.Duration) error

	// initialized by doInit
	fp        *gofeed.Parser
	httpc     *http.Client
	logf      logger.Logf
	scrubber  *strings.Replacer
	slog      *slog.Logger
	slogLevel *slog.LevelVar

	// loaded from config and state
	config        string
	sources       []*source
	posting       postingConfig
	errorTemplate string
	state         *syncx.Protected[map[string]*sourceState]
	archive       archive.Store

	stats *syncx.Protected[*stats]
}

func (p *publisher) doInit(ctx context.Context) {
	env := cli.GetEnv(ctx)
	p.logf = log.New(env.Stderr, "", 0).Printf
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleep
	}

	if p.httpc == nil {
		p.httpc = request.DefaultClient
	}

	p.fp = gofeed.NewParser()

	if p.botToken != "" {
		p.scrubber = strings.NewReplacer(
			p.botToken, "[EXPUNGED]",
		)
	}

	l := logger.Get(ctx)
	p.slogLevel = l.Level
	p.slog = l.Logger
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *publisher) run(ctx context.Context) error {
	// Check if this publisher is already running.
	if p.running.Load() {
		return errAlreadyRunning
	}
	p.running.Store(true)
	defer p.running.Store(false)

	// Acquire run lock to prevent concurrent state modifications.
	lock, err := filelock.Acquire(filepath.Join(p.stateDir, ".run.lock"), fmt.Sprintf("pid=%d\n", os.Getpid()))
	if err != nil {
		return err
	}
	defer lock.Release()

	if !p.dry {
		if p.botToken == "" {
			return errNoToken
		}
		if p.channelID == "" {
			return errNoChannel
		}
	}

	// Start with empty stats for every run.
	p.stats = syncx.Protect(&stats{
		StartTime: p.now(),
	})

	if err := p.loadConfig(ctx); err != nil {
		return fmt.Errorf("loading config failed: %w", err)
	}
	if err := p.loadState(ctx); err != nil {
		return fmt.Errorf("loading state failed: %w", err)
	}
	if err := p.openArchive(ctx); err != nil {
		return fmt.Errorf("opening archive failed: %w", err)
	}
	defer p.archive.Close()

	fetched := p.fetchAll(ctx)
	p.stats.Access(func(s *stats) {
		s.TotalFetched = len(fetched)
	})
	if len(fetched) == 0 {
		p.slog.Info("no proxies fetched")
		return p.finishRun(ctx)
	}

	fresh, err := p.findNewProxies(ctx, fetched)
	if err != nil {
		return err
	}
	p.stats.Access(func(s *stats) {
		s.NewProxies = len(fresh)
	})
	if len(fresh) == 0 {
		p.slog.Info("no new proxies after filtering")
		return p.finishRun(ctx)
	}

	posted := p.postAll(ctx, fresh)

	// The run deadline may have fired mid-posting. Bookkeeping must still
	// happen, otherwise posted proxies are never archived and the next run
	// posts them again.
	ctx = context.WithoutCancel(ctx)

	for _, proxy := range posted {
		record, err := json.Marshal(proxy)
		if err != nil {
			return err
		}
		if p.dry {
			continue
		}
		if err := p.archive.Set(ctx, proxy.TGLink, record); err != nil {
			return fmt.Errorf("archiving %q failed: %w", proxy.TGLink, err)
		}
	}
	p.stats.Access(func(s *stats) {
		s.Posted = len(posted)
	})

	return p.finishRun(ctx)
}

func (p *publisher) finishRun(ctx context.Context) error {
	p.state.Access(p.cleanState)

	p.stats.RAccess(func(s *stats) {
		s.Duration = p.now().Sub(s.StartTime)
		p.slog.Info("run finished",
			"duration", s.Duration,
			"sources", len(p.sources),
			"fetched", s.TotalFetched,
			"new", s.NewProxies,
			"posted", s.Posted,
			"failed_sources", s.FailedSources,
		)
	})

	if p.dry {
		return nil
	}
	return p.saveState(ctx)
}

// cleanState drops state of sources that are no longer configured.
func (p *publisher) cleanState(s map[string]*sourceState) {
	for key := range s {
		var found bool
		for _, existing := range p.sources {
			if key == existing.key() {
				found = true
				break
			}
		}
		if !found {
			p.slog.Debug("removing state, source no longer exists", "source", key)
			delete(s, key)
		}
	}
}

func (p *publisher) reenable(ctx context.Context, key string) error {
	if err := p.loadConfig(ctx); err != nil {
		return err
	}
	if err := p.loadState(ctx); err != nil {
		return err
	}

	state, ok := p.getState(key)
	if !ok {
		return fmt.Errorf("%q: %w", key, errNoSource)
	}

	state.Disabled = false
	state.ErrorCount = 0
	state.LastError = ""

	return p.saveState(ctx)
}

func (p *publisher) listSources(ctx context.Context, w io.Writer) error {
	if err := p.loadConfig(ctx); err != nil {
		return err
	}
	if err := p.loadState(ctx); err != nil {
		return err
	}

	if p.json {
		type sourceJSON struct {
			Source  string       `json:"source"`
			Title   string       `json:"title,omitempty"`
			State   *sourceState `json:"state,omitempty"`
			NoState bool         `json:"no_state,omitempty"`
		}

		var sources []sourceJSON
		for _, src := range p.sources {
			state, hasState := p.getState(src.key())
			sj := sourceJSON{
				Source: src.key(),
				Title:  src.Title,
				State:  state,
			}
			if !hasState {
				sj.NoState = true
			}
			sources = append(sources, sj)
		}

		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sources)
	}

	const (
		colorReset = "\033[0m"
		colorRed   = "\033[31m"
		colorGreen = "\033[32m"
		colorGray  = "\033[90m"
	)

	fmt.Fprintln(w, "STATE  SOURCE                                    UPDATED   FAIL%")

	var (
		total    int
		healthy  int
		failing  int
		disabled int
	)

	for _, src := range p.sources {
		total++
		state, hasState := p.getState(src.key())

		var (
			stateStr   string
			sourceStr  string
			updatedStr string
			failRate   string
		)

		if src.Title != "" {
			sourceStr = src.Title
		} else {
			sourceStr = src.key()
		}
		// Truncate source name to ~40 chars to keep it compact.
		if utf8.RuneCountInString(sourceStr) > 40 {
			sourceStr = string([]rune(sourceStr)[:37]) + "..."
		}

		if !hasState {
			updatedStr = "-"
			stateStr = colorGray + "NO STATE" + colorReset
		} else {
			updatedStr = relativeTime(state.LastUpdated, p.now())

			if state.Disabled {
				disabled++
				stateStr = colorGray + "OFF" + colorReset
				sourceStr = colorGray + sourceStr + colorReset
			} else if state.FetchFailCount > 0 || state.ErrorCount > 0 {
				failing++
				stateStr = colorRed + "ERR" + colorReset
				if state.FetchFailCount > 0 && state.FetchCount > 0 {
					rate := (float32(state.FetchFailCount) / float32(state.FetchCount)) * 100
					if rate > 0 {
						failRate = fmt.Sprintf("%.0f%%", rate)
					}
				}
			} else {
				healthy++
				stateStr = colorGreen + "OK" + colorReset
			}
		}

		// STATE (6) | SOURCE (42) | UPDATED (10) | FAIL%
		fmt.Fprintf(w, "%s%s%s%s\n",
			pad(stateStr, 7),
			pad(sourceStr, 42),
			pad(updatedStr, 10),
			failRate,
		)
	}

	fmt.Fprintf(w, "\nSummary: %d total, %s%d healthy%s, %s%d failing%s, %s%d disabled%s\n",
		total,
		colorGreen, healthy, colorReset,
		colorRed, failing, colorReset,
		colorGray, disabled, colorReset,
	)

	return nil
}

func (p *publisher) listArchive(ctx context.Context, w io.Writer) error {
	if err := p.openArchive(ctx); err != nil {
		return err
	}
	defer p.archive.Close()

	all, err := p.archive.All(ctx)
	if err != nil {
		return err
	}

	if p.json {
		records := make(map[string]json.RawMessage, len(all))
		for link, record := range all {
			records[link] = json.RawMessage(record)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	links := make([]string, 0, len(all))
	for link := range all {
		links = append(links, link)
	}
	slices.Sort(links)
	for _, link := range links {
		fmt.Fprintln(w, link)
	}
	fmt.Fprintf(w, "\n%d archived\n", len(links))
	return nil
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

func pad(s string, width int) string {
	l := utf8.RuneCountInString(stripANSI(s))
	if l >= width {
		return s
	}
	return s + strings.Repeat(" ", width-l)
}

func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	if d < 48*time.Hour {
		return "yesterday"
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func (p *publisher) openArchive(ctx context.Context) error {
	if p.archive != nil {
		return nil
	}
	var err error
	if p.archiveDSN != "" {
		p.archive, err = archive.NewSQLite(ctx, p.archiveDSN)
	} else {
		p.archive, err = archive.NewJSONFile(p.archivePath)
	}
	return err
}
