package persist

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"
)

const (
	fileExt      = ".json"
	lockFileName = ".tabkeeper.lock"
)

// FileBackend persists one JSON file per key in a directory.
type FileBackend struct {
	dir string
	log pslog.Logger
}

// NewFileBackend constructs a file backend rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	return NewFileBackendWithLogger(dir, nil)
}

// NewFileBackendWithLogger constructs a file backend with logging.
func NewFileBackendWithLogger(dir string, logger pslog.Logger) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &FileBackend{dir: dir, log: logger}, nil
}

// Dir returns the backing directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Read loads the blob stored for key.
func (b *FileBackend) Read(key string) ([]byte, bool, error) {
	unlock, err := b.lock(unix.LOCK_SH)
	if err != nil {
		b.warn("state load failed", key, err)
		return nil, false, err
	}
	defer unlock()
	data, err := os.ReadFile(b.pathForKey(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if b.log != nil {
				b.log.Debug("state load miss", "storage_key", key)
			}
			return nil, false, nil
		}
		b.warn("state load failed", key, err)
		return nil, false, err
	}
	if b.log != nil {
		b.log.Debug("state load ok", "storage_key", key, "bytes", len(data))
	}
	return data, true, nil
}

// Write atomically replaces the blob stored for key.
func (b *FileBackend) Write(key string, data []byte) error {
	unlock, err := b.lock(unix.LOCK_EX)
	if err != nil {
		b.warn("state save failed", key, err)
		return err
	}
	defer unlock()
	path := b.pathForKey(key)
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json.tmp")
	if err != nil {
		b.warn("state save failed", key, err)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", key, err)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", key, err)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", key, err)
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", key, err)
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		b.warn("state save failed", key, err)
		return err
	}
	if b.log != nil {
		b.log.Trace("state save ok", "storage_key", key, "bytes", len(data))
	}
	return nil
}

// Delete removes the blob stored for key.
func (b *FileBackend) Delete(key string) error {
	unlock, err := b.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(b.pathForKey(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		b.warn("state delete failed", key, err)
		return err
	}
	if b.log != nil {
		b.log.Debug("state delete ok", "storage_key", key)
	}
	return nil
}

// Keys lists stored keys.
func (b *FileBackend) Keys() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := decodeKey(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) lock(how int) (func(), error) {
	f, err := os.OpenFile(filepath.Join(b.dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock state dir: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (b *FileBackend) warn(msg, key string, err error) {
	if b.log != nil {
		b.log.Warn(msg, "storage_key", key, "err", err)
	}
}

func (b *FileBackend) pathForKey(key string) string {
	name := encodeKey(key)
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(b.dir, name+fileExt)
}

// encodeKey keeps file-safe bytes and percent-encodes the rest so Keys can
// recover the original key.
func encodeKey(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '_' || (c == '.' && i > 0):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func decodeKey(name string) (string, error) {
	return url.PathUnescape(name)
}
