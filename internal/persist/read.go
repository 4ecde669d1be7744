package persist

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"maestro/internal/message"
)

// Filter narrows History results. Zero fields match everything.
type Filter struct {
	// LogicalID matches messages whose from or to equals the id.
	LogicalID string
	Type      message.Type
	Since     time.Time
	Until     time.Time
	Offset    int
	Limit     int
}

func (f Filter) matches(candidate message.Message) bool {
	if f.LogicalID != "" && candidate.From != f.LogicalID && candidate.To != f.LogicalID {
		return false
	}
	if f.Type != "" && candidate.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && candidate.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && candidate.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Load returns up to limit persisted messages newest-first, skipping
// offset. Messages saved most recently come first.
func (l *Log) Load(offset, limit int) []message.Message {
	if l == nil || limit <= 0 {
		return nil
	}

	if fromCache, ok := l.loadFromTail(offset, limit); ok {
		return fromCache
	}
	return l.History(Filter{Offset: offset, Limit: limit})
}

// loadFromTail serves unfiltered reads from the in-memory tail cache
// when it holds enough entries, avoiding a disk scan.
func (l *Log) loadFromTail(offset, limit int) ([]message.Message, bool) {
	l.tailMu.Lock()
	cached := l.tail.List()
	l.tailMu.Unlock()

	if len(cached) < offset+limit {
		return nil, false
	}
	// cached is oldest-first; serve newest-first.
	out := make([]message.Message, 0, limit)
	for i := len(cached) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cached[i])
	}
	return out, true
}

// History scans the active segment then rolled segments newest to
// oldest, returning matches newest-first. Corrupt lines are skipped
// with a warning; they never abort the read.
func (l *Log) History(filter Filter) []message.Message {
	if l == nil {
		return nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	segments := append([]string{activeFileName}, l.rolledSegments()...)
	matches := make([]message.Message, 0, limit)
	skipped := 0

	for _, segment := range segments {
		if len(matches) >= limit {
			break
		}
		lines := l.readSegment(filepath.Join(l.options.Dir, segment))
		for i := len(lines) - 1; i >= 0 && len(matches) < limit; i-- {
			if !filter.matches(lines[i]) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			matches = append(matches, lines[i])
		}
	}
	return matches
}

// readSegment parses a segment's messages oldest-first.
func (l *Log) readSegment(path string) []message.Message {
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.options.Logger.Warn("open segment failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
		return nil
	}
	defer file.Close()

	var parsed []message.Message
	corrupt := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry message.Message
		if err := json.Unmarshal(line, &entry); err != nil {
			corrupt++
			continue
		}
		parsed = append(parsed, entry)
	}
	if err := scanner.Err(); err != nil {
		l.options.Logger.Warn("segment scan failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
	}
	if corrupt > 0 {
		l.options.Logger.Warn("skipped corrupt segment lines", map[string]string{
			"path":  path,
			"lines": strconv.Itoa(corrupt),
		})
	}
	return parsed
}
