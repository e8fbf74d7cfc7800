package credentialexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrCacheWrite = errors.New("unable to persist credentials")
	ErrCacheRead  = errors.New("unable to read cached credentials")
)

// Cache stores the current credentials between refreshes.
type Cache interface {
	// Read returns the currently cached credentials or nil if there are none.
	// It is called for every credential request so it must be cheap
	// and free of side effects. Expiry is checked by the caller.
	Read(ctx context.Context) (*Credentials, error)
	// Write replaces the cached credentials.
	Write(ctx context.Context, creds *Credentials) error
}

// MemoryCache keeps the credentials for the lifetime of the process only
type MemoryCache struct {
	mu    sync.RWMutex
	creds *Credentials
}

func NewMemoryCache(creds *Credentials) *MemoryCache {
	return &MemoryCache{creds: creds}
}

func (m *MemoryCache) Read(_ context.Context) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds, nil
}

func (m *MemoryCache) Write(_ context.Context, creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	return nil
}

func (m *MemoryCache) Clear() error {
	return m.Write(context.Background(), nil)
}

// JSONFileCache persists credentials to a JSON file and serves reads from
// an in-memory mirror. The mirror is only updated once the file was written.
type JSONFileCache struct {
	mem     *MemoryCache
	path    string
	writeMu sync.Mutex
	log     logrus.FieldLogger
}

// NewJSONFileCache loads any credentials already stored at path.
// A missing or unreadable file leaves the cache empty.
func NewJSONFileCache(path string, log logrus.FieldLogger) *JSONFileCache {
	if log == nil {
		log = discardLogger()
	}
	log = log.WithField("path", path)
	f := &JSONFileCache{
		mem:  NewMemoryCache(nil),
		path: path,
		log:  log,
	}

	creds, err := loadCredentialsFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Debug("ignoring unreadable credentials cache file")
		}
		return f
	}
	f.mem.creds = creds
	log.Debug("loaded credentials from cache file")
	return f
}

func loadCredentialsFile(path string) (*Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	creds := &Credentials{}
	if err := json.Unmarshal(b, creds); err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrCacheRead)
	}
	return creds, nil
}

// Path returns the location of the backing file
func (f *JSONFileCache) Path() string {
	return f.path
}

func (f *JSONFileCache) Read(ctx context.Context) (*Credentials, error) {
	return f.mem.Read(ctx)
}

func (f *JSONFileCache) Write(ctx context.Context, creds *Credentials) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if creds == nil {
		return fmt.Errorf("nil credentials, %w", ErrCacheWrite)
	}

	b, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("%s, %w", err, ErrCacheWrite)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("%s, %w", err, ErrCacheWrite)
	}
	if err := os.WriteFile(f.path, b, 0o600); err != nil {
		return fmt.Errorf("%s, %w", err, ErrCacheWrite)
	}

	f.log.Debug("persisted credentials to cache file")
	return f.mem.Write(ctx, creds)
}

// Clear removes the backing file and forgets the mirrored credentials
func (f *JSONFileCache) Clear() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return f.mem.Clear()
}

// DefaultCacheFile returns the cache file location under baseDir,
// defaulting to the user's home directory.
func DefaultCacheFile(baseDir string) string {
	if baseDir == "" {
		baseDir = HomeDir()
	}
	return filepath.Join(baseDir, fmt.Sprintf(".%s", SELF_NAME), CACHE_FILE_NAME)
}
