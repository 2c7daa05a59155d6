package collectors

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/aegis-siem/aegis/internal/models"
)

// zshExtended matches zsh EXTENDED_HISTORY entries: ": <epoch>:<elapsed>;<cmd>".
var zshExtended = regexp.MustCompile(`^: (\d+):(\d+);(.*)$`)

var defaultHistoryGlobs = []string{
	"/home/*/.bash_history",
	"/home/*/.zsh_history",
	"/root/.bash_history",
	"/root/.zsh_history",
}

// CommandCollectorConfig configures the shell-history tailer.
type CommandCollectorConfig struct {
	Meta         Meta
	HistoryGlobs []string
	PollInterval time.Duration
	// LastSync is the newest command timestamp the server already holds.
	// Zero means the server has nothing for this agent: the collector does a
	// catch-up pass over existing history bounded at 180 days.
	LastSync   time.Time
	DedupLimit int
}

// CommandCollector tails per-user shell history files. It keeps a byte
// offset per file to pick up appends, resets to the start on truncation, and
// drops duplicates through a bounded hash set.
type CommandCollector struct {
	meta      Meta
	globs     []string
	pollEvery time.Duration
	cutoff    time.Time
	catchUp   bool

	offsets map[string]int64
	dedup   *dedupSet
	nowFn   func() time.Time
}

// NewCommandCollector builds the command collector.
func NewCommandCollector(cfg CommandCollectorConfig) *CommandCollector {
	globs := cfg.HistoryGlobs
	if len(globs) == 0 {
		globs = defaultHistoryGlobs
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	limit := cfg.DedupLimit
	if limit <= 0 {
		limit = 10000
	}

	c := &CommandCollector{
		meta:      cfg.Meta,
		globs:     globs,
		pollEvery: poll,
		offsets:   make(map[string]int64),
		dedup:     newDedupSet(limit),
		nowFn:     time.Now,
	}

	if cfg.LastSync.IsZero() {
		c.catchUp = true
		c.cutoff = time.Now().Add(-180 * 24 * time.Hour)
	} else {
		c.cutoff = cfg.LastSync
	}
	return c
}

func (c *CommandCollector) Name() string { return "command" }

// Run discovers history files, replays catch-up content when the server has
// none, then tails appends via fsnotify with a polling fallback.
func (c *CommandCollector) Run(ctx context.Context, sink Sink) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("History watcher unavailable; falling back to polling only")
		watcher = nil
	} else {
		defer watcher.Close()
	}

	c.discover(watcher, true)
	if c.catchUp {
		c.scanAll(sink)
	}

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, tracked := c.offsets[ev.Name]; tracked {
				c.scanFile(ev.Name, sink)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			log.Warn().Err(err).Msg("History watcher error")

		case <-ticker.C:
			c.discover(watcher, false)
			c.scanAll(sink)
		}
	}
}

// discover globs for history files. On the initial pass offsets start at
// end-of-file (or zero in catch-up mode); files appearing later start at zero
// since their whole content is new.
func (c *CommandCollector) discover(watcher *fsnotify.Watcher, initial bool) {
	for _, pattern := range c.globs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			log.Warn().Err(err).Str("glob", pattern).Msg("History glob failed")
			continue
		}
		for _, path := range matches {
			if _, tracked := c.offsets[path]; tracked {
				continue
			}
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}

			offset := int64(0)
			if initial && !c.catchUp {
				offset = info.Size()
			}
			c.offsets[path] = offset

			if watcher != nil {
				if err := watcher.Add(path); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("Failed to watch history file")
				}
			}
			log.Debug().Str("path", path).Int64("offset", offset).Msg("Tracking history file")
		}
	}
}

// scanAll visits every tracked file in a stable order.
func (c *CommandCollector) scanAll(sink Sink) {
	paths := make([]string, 0, len(c.offsets))
	for path := range c.offsets {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		c.scanFile(path, sink)
	}
}

// scanFile ships complete new lines appended since the stored offset.
func (c *CommandCollector) scanFile(path string, sink Sink) {
	offset := c.offsets[path]

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(c.offsets, path)
		}
		return
	}

	if info.Size() < offset {
		// Shell rewrote the file; start over.
		offset = 0
	}
	if info.Size() == offset {
		c.offsets[path] = offset
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to open history file")
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to seek history file")
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to read history file")
		return
	}

	// Only consume complete lines; a partial trailing line waits for the
	// next append.
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		c.offsets[path] = offset
		return
	}
	c.offsets[path] = offset + int64(end+1)

	user := userFromPath(path)
	shell := shellFromPath(path)
	for _, line := range strings.Split(string(data[:end]), "\n") {
		evt, ok := c.parseLine(user, shell, path, line)
		if !ok {
			continue
		}
		if !evt.Timestamp.After(c.cutoff) {
			continue
		}
		if !c.dedup.add(evt.DedupHash()) {
			continue
		}
		if err := sink.Command(evt); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to sink command event")
		}
	}
}

// parseLine turns one history line into a CommandEvent. zsh extended entries
// carry their recorded execution time; everything else is stamped with the
// ingestion time.
func (c *CommandCollector) parseLine(user, shell, source, line string) (models.CommandEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.CommandEvent{}, false
	}

	evt := models.CommandEvent{
		AgentID: c.meta.AgentID,
		User:    user,
		Shell:   shell,
		Source:  source,
	}

	if m := zshExtended.FindStringSubmatch(line); m != nil {
		secs, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return models.CommandEvent{}, false
		}
		cmd := strings.TrimSpace(m[3])
		if cmd == "" {
			return models.CommandEvent{}, false
		}
		evt.Timestamp = time.Unix(secs, 0).UTC()
		evt.Command = cmd
		evt.Shell = "zsh"
		return evt, true
	}

	evt.Timestamp = c.nowFn().UTC()
	evt.Command = line
	return evt, true
}

func userFromPath(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if dir == "/" || dir == "." {
		return "unknown"
	}
	return dir
}

func shellFromPath(path string) string {
	if strings.Contains(filepath.Base(path), "zsh") {
		return "zsh"
	}
	return "bash"
}
