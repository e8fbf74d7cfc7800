package credentialexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/werf/lockgate"
	"github.com/werf/lockgate/pkg/file_locker"
	"github.com/zalando/go-keyring"
	ini "gopkg.in/ini.v1"
)

var (
	ErrCannotLockDir              = errors.New("unable to create lock dir")
	ErrUnableToRetrieveSections   = errors.New("unable to retrieve sections")
	ErrUnableToLoadDueToLock      = errors.New("cannot load secret due to lock error")
	ErrUnableToAcquireLock        = errors.New("cannot acquire lock")
	ErrUnmarshallingSecret        = errors.New("cannot unmarshal secret")
	ErrFailedToClearSecretStorage = errors.New("failed to clear secret storage on OS")
)

// Keyring is the OS secret storage used by the SecretStore
type Keyring interface {
	Set(service, user, password string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

// SecretStore keeps the credentials in the OS keyring.
//
// Access to the keyring entry is serialised across processes with a file
// lock and every pool that was stored is recorded in the INI file so that
// ClearAll can find them again.
type SecretStore struct {
	mu            sync.RWMutex
	creds         *Credentials
	loaded        bool
	keyring       Keyring
	poolId        string
	baseDir       string
	locker        lockgate.Locker
	lockResource  string
	lockTimeout   time.Duration
	secretService string
	secretUser    string
	log           logrus.FieldLogger
}

func (s *SecretStore) WithLocker(locker lockgate.Locker) *SecretStore {
	s.locker = locker
	return s
}

func (s *SecretStore) WithKeyring(keyring Keyring) *SecretStore {
	s.keyring = keyring
	return s
}

func (s *SecretStore) WithLogger(log logrus.FieldLogger) *SecretStore {
	s.log = log.WithField("pool", s.poolId)
	return s
}

// keyRingImpl is the default keyring implementation
type keyRingImpl struct{}

func (k *keyRingImpl) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}
func (k *keyRingImpl) Get(service, user string) (string, error) {
	return keyring.Get(service, user)
}
func (k *keyRingImpl) Delete(service, user string) error {
	return keyring.Delete(service, user)
}

// NewSecretStore returns a keyring backed cache for the given pool.
// baseDir holds the lock dir and the INI bookkeeping file.
func NewSecretStore(poolId, baseDir, username string) (*SecretStore, error) {
	if baseDir == "" {
		baseDir = HomeDir()
	}
	lockDir := filepath.Join(baseDir, fmt.Sprintf(".%s-lock", SELF_NAME))
	locker, err := file_locker.NewFileLocker(lockDir)
	if err != nil {
		return nil, fmt.Errorf("cannot setup lock dir: %s, %w", lockDir, ErrCannotLockDir)
	}

	return &SecretStore{
		keyring:       &keyRingImpl{},
		poolId:        poolId,
		baseDir:       baseDir,
		locker:        locker,
		lockResource:  SELF_NAME,
		lockTimeout:   1 * time.Minute,
		secretService: secretServiceName(poolId),
		secretUser:    username,
		log:           discardLogger().WithField("pool", poolId),
	}, nil
}

func secretServiceName(poolId string) string {
	return fmt.Sprintf("%s-%s", SELF_NAME, PoolKeyConverter(poolId))
}

func (s *SecretStore) ensureLock() (func(), error) {
	acquired, lock, err := s.locker.Acquire(s.lockResource, lockgate.AcquireOptions{Shared: false, Timeout: s.lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrUnableToAcquireLock)
	}

	if !acquired {
		return nil, fmt.Errorf("lock %s is held elsewhere, %w", s.lockResource, ErrUnableToLoadDueToLock)
	}
	return func() {
		if err := s.locker.Release(lock); err != nil {
			s.log.WithError(err).Warn("unable to release keyring lock")
		}
	}, nil
}

func (s *SecretStore) load() (*Credentials, error) {
	release, err := s.ensureLock()
	if err != nil {
		return nil, err
	}
	defer release()

	jsonStr, err := s.keyring.Get(s.secretService, s.secretUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	creds := &Credentials{}
	if err := json.Unmarshal([]byte(jsonStr), creds); err != nil {
		// a broken entry is treated the same as no entry
		s.log.WithError(err).Debug("ignoring unreadable keyring entry")
		return nil, nil
	}
	return creds, nil
}

// Read returns the credentials stored in the keyring. The keyring is only
// consulted on the first call, later reads are served from memory.
func (s *SecretStore) Read(_ context.Context) (*Credentials, error) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		return s.creds, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.creds, nil
	}
	creds, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("secret store: %s, %w", err, ErrCacheRead)
	}
	s.creds, s.loaded = creds, true
	if creds != nil {
		s.log.Debug("got credentials from OS secret store")
	}
	return creds, nil
}

// Write stores the credentials in the keyring and only then in memory
func (s *SecretStore) Write(_ context.Context, creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("nil credentials, %w", ErrCacheWrite)
	}
	jsonStr, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("%s, %w", err, ErrCacheWrite)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(string(jsonStr)); err != nil {
		return fmt.Errorf("secret store: %s, %w", err, ErrCacheWrite)
	}
	s.creds, s.loaded = creds, true
	return nil
}

func (s *SecretStore) save(jsonStr string) error {
	release, err := s.ensureLock()
	if err != nil {
		return err
	}
	defer release()

	if err := WriteIniSection(s.baseDir, s.poolId); err != nil {
		return err
	}
	return s.keyring.Set(s.secretService, s.secretUser, jsonStr)
}

// Clear removes the entry for this pool
func (s *SecretStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds, s.loaded = nil, true
	if err := s.keyring.Delete(s.secretService, s.secretUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%s, %w", err, ErrFailedToClearSecretStorage)
	}
	return nil
}

// ClearAll loops through all the pools recorded in the INI file and
// deletes them from the keychain implementation on the OS
func (s *SecretStore) ClearAll() error {
	sections, err := GetAllIniSections(s.baseDir)
	if err != nil {
		return fmt.Errorf("unable to get sections from ini: %s, %w", err, ErrUnableToRetrieveSections)
	}

	for _, v := range sections {
		if err := s.keyring.Delete(fmt.Sprintf("%s-%s", SELF_NAME, v), s.secretUser); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%s, %w", err, ErrFailedToClearSecretStorage)
		}
	}

	s.mu.Lock()
	s.creds, s.loaded = nil, true
	s.mu.Unlock()
	return nil
}

// PoolKeyConverter converts a pool id to a key used for storing in key store
func PoolKeyConverter(pool string) string {
	return strings.ReplaceAll(strings.ReplaceAll(pool, ":", "_"), "/", "____")
}

// KeyPoolConverter Converts a key back to a pool id
func KeyPoolConverter(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, "____", "/"), "_", ":")
}

// WriteIniSection records the pool in the INI bookkeeping file
func WriteIniSection(baseDir, pool string) error {
	section := fmt.Sprintf("%s.%s", INI_CONF_SECTION, PoolKeyConverter(pool))
	iniFile := ConfigIniFile(baseDir)
	cfg, err := ini.LooseLoad(iniFile)
	if err != nil {
		return fmt.Errorf("fail to read Ini file: %v, %w", err, ErrConfigFailure)
	}
	if cfg.HasSection(section) {
		return nil
	}
	sct, err := cfg.NewSection(section)
	if err != nil {
		return err
	}
	sct.Key("name").SetValue(pool)
	return cfg.SaveTo(iniFile)
}

// GetAllIniSections returns the keys of every pool recorded in the INI file
func GetAllIniSections(baseDir string) ([]string, error) {
	sections := []string{}
	cfg, err := ini.LooseLoad(ConfigIniFile(baseDir))
	if err != nil {
		return nil, err
	}
	for _, v := range cfg.Section(INI_CONF_SECTION).ChildSections() {
		sections = append(sections, strings.Replace(v.Name(), fmt.Sprintf("%s.", INI_CONF_SECTION), "", -1))
	}
	return sections, nil
}
