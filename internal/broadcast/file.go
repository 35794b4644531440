package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	defaultFilePollInterval = time.Second
	defaultFileMaxBytes     = 1 << 20
	filePublishAttempts     = 3
)

var errFileReplaced = errors.New("broadcast file replaced during publish")

type FileOptions struct {
	// PollInterval is a fallback for filesystems that drop notify events.
	PollInterval time.Duration
	// MaxBytes caps the file. A publish that would grow it past the cap
	// replaces it with a fresh file holding only the new line.
	MaxBytes int64
	Logger   *zap.Logger
}

// FileChannel shares envelopes between processes through an append-only file
// of JSON lines. Writers hold an exclusive flock while appending; readers
// tail the file with fsnotify. Once the file reaches its cap it is swapped
// for a new one, and lines a reader had not yet drained from the old file are
// dropped.
type FileChannel struct {
	path     string
	origin   string
	logger   *zap.Logger
	interval time.Duration
	maxBytes int64
	watcher  *fsnotify.Watcher
	subs     subscribers

	mu      sync.Mutex
	current os.FileInfo
	offset  int64
	partial []byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewFileChannel(path string, opts FileOptions) (*FileChannel, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	_ = file.Close()
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so atomic replacements of the file are seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultFilePollInterval
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFileMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &FileChannel{
		path:     path,
		origin:   uuid.NewString(),
		logger:   logger,
		interval: interval,
		maxBytes: maxBytes,
		watcher:  watcher,
		current:  info,
		offset:   info.Size(),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.watchLoop()
	return c, nil
}

func (c *FileChannel) Origin() string {
	return c.origin
}

func (c *FileChannel) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !env.Channel.Valid() {
		return ErrInvalidInput
	}
	env.Origin = c.origin
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	for attempt := 0; attempt < filePublishAttempts; attempt++ {
		err = c.appendLine(line)
		if !errors.Is(err, errFileReplaced) {
			return err
		}
	}
	return err
}

// appendLine writes one line under the exclusive lock. It returns
// errFileReplaced when another writer swapped the file while this one waited
// for the lock.
func (c *FileChannel) appendLine(line []byte) error {
	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer func() { _ = unix.Flock(int(file.Fd()), unix.LOCK_UN) }()

	locked, err := file.Stat()
	if err != nil {
		return err
	}
	onDisk, err := os.Stat(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return errFileReplaced
	}
	if err != nil {
		return err
	}
	if !os.SameFile(locked, onDisk) {
		return errFileReplaced
	}
	if locked.Size() > 0 && locked.Size()+int64(len(line)) > c.maxBytes {
		return c.replaceWith(line)
	}
	_, err = file.Write(line)
	return err
}

// replaceWith swaps the file for a new one containing only line. The caller
// holds the exclusive lock on the old file.
func (c *FileChannel) replaceWith(line []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(line); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	c.logger.Debug("broadcast file rotated", zap.String("path", c.path), zap.Int64("max_bytes", c.maxBytes))
	return nil
}

func (c *FileChannel) Subscribe(fn func(Envelope)) func() {
	return c.subs.add(fn)
}

func (c *FileChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.watcher.Close()
		c.wg.Wait()
	})
	return err
}

func (c *FileChannel) watchLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	target := filepath.Clean(c.path)
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				c.drain()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("broadcast file watch error", zap.String("path", c.path), zap.Error(err))
		case <-ticker.C:
			c.drain()
		}
	}
}

// drain reads everything appended since the last call and delivers complete
// lines.
func (c *FileChannel) drain() {
	envelopes, err := c.readNew()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("broadcast file read failed", zap.String("path", c.path), zap.Error(err))
		}
		return
	}
	for _, env := range envelopes {
		c.subs.deliver(env)
	}
}

func (c *FileChannel) readNew() ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH); err != nil {
		return nil, err
	}
	defer func() { _ = unix.Flock(int(file.Fd()), unix.LOCK_UN) }()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < c.offset || (c.current != nil && !os.SameFile(c.current, info)) {
		// Truncated or replaced.
		c.offset = 0
		c.partial = nil
	}
	c.current = info
	if info.Size() == c.offset {
		return nil, nil
	}
	if _, err := file.Seek(c.offset, io.SeekStart); err != nil {
		return nil, err
	}
	chunk, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	c.offset += int64(len(chunk))
	data := append(c.partial, chunk...)
	lastNewline := bytes.LastIndexByte(data, '\n')
	if lastNewline < 0 {
		c.partial = data
		return nil, nil
	}
	c.partial = append([]byte(nil), data[lastNewline+1:]...)

	var out []Envelope
	for _, line := range bytes.Split(data[:lastNewline], []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("dropping malformed broadcast line", zap.Error(err))
			continue
		}
		if env.Origin == c.origin || !env.Channel.Valid() {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}
