package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"maestro/internal/buffer"
	"maestro/internal/logging"
	"maestro/internal/message"
	"maestro/internal/metrics"
)

const (
	activeFileName   = "messages.jsonl"
	segmentPrefix    = "messages-"
	segmentSuffix    = ".jsonl"
	segmentTimeStamp = "20060102T150405.000000000"
)

var ErrClosed = errors.New("persistence log is closed")

type Options struct {
	Dir             string
	MaxSegmentBytes int64
	RetainSegments  int
	TailCacheSize   int
	LockTimeout     time.Duration
	LockRetries     int
	LockRetryDelay  time.Duration
	Logger          *logging.Logger
	Registry        *metrics.Registry
}

// Log is an append-only JSONL message store. All file mutation runs
// on a single writer goroutine owning the active file handle, so
// concurrent saves never interleave partial lines. An flock sentinel
// defends against other processes writing the same directory.
type Log struct {
	options  Options
	requests chan request
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	tailMu sync.Mutex
	tail   *buffer.Ring[message.Message]
}

type requestKind int

const (
	requestAppend requestKind = iota
	requestClear
)

type request struct {
	kind  requestKind
	line  []byte
	reply chan error
}

// writerState is owned exclusively by the writer goroutine.
type writerState struct {
	file *os.File
	size int64
	lock *fileLock
}

func Open(options Options) (*Log, error) {
	if strings.TrimSpace(options.Dir) == "" {
		return nil, errors.New("persistence directory is required")
	}
	if options.MaxSegmentBytes <= 0 {
		options.MaxSegmentBytes = 10 << 20
	}
	if options.RetainSegments <= 0 {
		options.RetainSegments = 5
	}
	if options.TailCacheSize <= 0 {
		options.TailCacheSize = 100
	}
	if options.LockTimeout <= 0 {
		options.LockTimeout = 30 * time.Second
	}
	if options.LockRetries <= 0 {
		options.LockRetries = 5
	}
	if options.LockRetryDelay <= 0 {
		options.LockRetryDelay = 100 * time.Millisecond
	}
	if options.Logger == nil {
		options.Logger = logging.Discard()
	}
	if options.Registry == nil {
		options.Registry = metrics.Default
	}

	if err := os.MkdirAll(options.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence directory: %w", err)
	}

	instance := &Log{
		options:  options,
		requests: make(chan request),
		done:     make(chan struct{}),
		tail:     buffer.NewRing[message.Message](options.TailCacheSize),
	}
	instance.wg.Add(1)
	go instance.writerLoop()
	return instance, nil
}

// Save appends one message to the active segment and updates the tail
// cache. Errors are returned to the caller; the router treats them as
// persistence failures and keeps routing.
func (l *Log) Save(saved message.Message) error {
	if l == nil {
		return ErrClosed
	}
	line, err := saved.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req := request{kind: requestAppend, line: line, reply: make(chan error, 1)}
	select {
	case l.requests <- req:
	case <-l.done:
		return ErrClosed
	}

	select {
	case err = <-req.reply:
	case <-l.done:
		return ErrClosed
	}
	if err != nil {
		l.options.Registry.IncPersistenceError()
		return err
	}

	l.options.Registry.IncPersistenceSave()
	l.tailMu.Lock()
	l.tail.Add(saved)
	l.tailMu.Unlock()
	return nil
}

// Clear deletes every segment and resets the tail cache.
func (l *Log) Clear() error {
	if l == nil {
		return ErrClosed
	}
	req := request{kind: requestClear, reply: make(chan error, 1)}
	select {
	case l.requests <- req:
	case <-l.done:
		return ErrClosed
	}

	var err error
	select {
	case err = <-req.reply:
	case <-l.done:
		return ErrClosed
	}
	if err != nil {
		return err
	}

	l.tailMu.Lock()
	l.tail.Reset()
	l.tailMu.Unlock()
	return nil
}

// Tail returns the most recently persisted messages oldest-first, up
// to the tail cache size.
func (l *Log) Tail() []message.Message {
	if l == nil {
		return nil
	}
	l.tailMu.Lock()
	defer l.tailMu.Unlock()
	return l.tail.List()
}

// Close stops the writer, closes the active segment, and releases the
// lock. Idempotent.
func (l *Log) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
}

func (l *Log) writerLoop() {
	defer l.wg.Done()

	state := &writerState{
		lock: newFileLock(filepath.Join(l.options.Dir, lockFileName)),
	}
	defer l.teardown(state)

	for {
		select {
		case req := <-l.requests:
			switch req.kind {
			case requestAppend:
				req.reply <- l.handleAppend(state, req.line)
			case requestClear:
				req.reply <- l.handleClear(state)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Log) teardown(state *writerState) {
	if state.file != nil {
		_ = state.file.Close()
		state.file = nil
	}
	if state.lock.held() {
		if err := state.lock.release(); err != nil {
			l.options.Logger.Warn("release persistence lock failed", map[string]string{
				"error": err.Error(),
			})
		}
	}
}

func (l *Log) handleAppend(state *writerState, line []byte) error {
	if err := l.ensureOpen(state); err != nil {
		return err
	}

	written, err := state.file.Write(append(line, '\n'))
	state.size += int64(written)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	if state.size >= l.options.MaxSegmentBytes {
		if err := l.roll(state); err != nil {
			l.options.Logger.Warn("segment roll failed", map[string]string{
				"error": err.Error(),
			})
		}
	}
	return nil
}

func (l *Log) handleClear(state *writerState) error {
	if state.file != nil {
		_ = state.file.Close()
		state.file = nil
		state.size = 0
	}

	if err := os.Remove(filepath.Join(l.options.Dir, activeFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove active segment: %w", err)
	}
	for _, name := range l.rolledSegments() {
		if err := os.Remove(filepath.Join(l.options.Dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment %s: %w", name, err)
		}
	}
	return nil
}

// ensureOpen acquires the directory lock if needed and opens the
// active segment. Lock acquisition retries a bounded number of times,
// reclaiming a stale lock file along the way, then fails the save.
func (l *Log) ensureOpen(state *writerState) error {
	if !state.lock.held() {
		if err := l.acquireLock(state.lock); err != nil {
			return err
		}
	}
	if state.file != nil {
		return nil
	}

	if err := os.MkdirAll(l.options.Dir, 0o755); err != nil {
		return fmt.Errorf("create persistence directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(l.options.Dir, activeFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open active segment: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat active segment: %w", err)
	}
	state.file = file
	state.size = info.Size()
	return nil
}

func (l *Log) acquireLock(lock *fileLock) error {
	var lastErr error
	for attempt := 0; attempt < l.options.LockRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(l.options.LockRetryDelay)
		}
		err := lock.tryAcquire()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrLockHeld) {
			continue
		}
		if lock.stale(l.options.LockTimeout) {
			l.options.Logger.Warn("reclaiming stale persistence lock", map[string]string{
				"path": lock.path,
			})
			if err := lock.reclaim(); err != nil {
				lastErr = err
			}
		}
	}
	return fmt.Errorf("acquire persistence lock: %w", lastErr)
}

func (l *Log) roll(state *writerState) error {
	if state.file == nil {
		return nil
	}
	if err := state.file.Close(); err != nil {
		return fmt.Errorf("close active segment: %w", err)
	}
	state.file = nil
	state.size = 0

	rolled := segmentPrefix + time.Now().UTC().Format(segmentTimeStamp) + segmentSuffix
	activePath := filepath.Join(l.options.Dir, activeFileName)
	if err := os.Rename(activePath, filepath.Join(l.options.Dir, rolled)); err != nil {
		return fmt.Errorf("rename active segment: %w", err)
	}

	l.options.Logger.Info("rolled message segment", map[string]string{
		"segment": rolled,
	})
	l.prune()
	return nil
}

// prune deletes rolled segments beyond the retention count, oldest
// first.
func (l *Log) prune() {
	rolled := l.rolledSegments()
	if len(rolled) <= l.options.RetainSegments {
		return
	}
	// rolledSegments returns newest-first.
	for _, name := range rolled[l.options.RetainSegments:] {
		if err := os.Remove(filepath.Join(l.options.Dir, name)); err != nil && !os.IsNotExist(err) {
			l.options.Logger.Warn("delete old segment failed", map[string]string{
				"segment": name,
				"error":   err.Error(),
			})
		}
	}
}

// rolledSegments lists rolled segment file names newest-first. The
// embedded timestamp makes lexical order chronological.
func (l *Log) rolledSegments() []string {
	entries, err := os.ReadDir(l.options.Dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}
