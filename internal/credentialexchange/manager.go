package credentialexchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var (
	ErrFailedCredentials = errors.New("failed to refresh credentials")
)

const refreshKey = "refresh"

// CredentialFetcher acquires a brand new set of credentials.
// *FederationClient is the production implementation.
type CredentialFetcher interface {
	FetchNewCredentials(ctx context.Context) (*Credentials, error)
}

// Observer is notified of credential cache and refresh events
type Observer interface {
	// OnCacheHit is called when valid credentials were served from the cache.
	OnCacheHit()
	// OnCacheMiss is called when the cache was empty or held expired credentials.
	OnCacheMiss()
	// OnRefresh is called when a refresh succeeded and was persisted.
	OnRefresh(latency time.Duration)
	// OnFailedRefresh is called when a refresh failed.
	OnFailedRefresh(latency time.Duration)
	// OnDuplicateRequest is called when a caller waited on a refresh
	// started by somebody else instead of issuing its own.
	OnDuplicateRequest()
}

// ManagerOption sets an optional Manager setting
type ManagerOption func(*Manager)

// WithLogger sets the logger used for refresh events
func WithLogger(log logrus.FieldLogger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithReloadBefore refreshes credentials d ahead of their expiration
func WithReloadBefore(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reloadBefore = d
	}
}

// WithObserver registers an observer for cache and refresh events
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

// Manager hands out valid credentials, refreshing them through the
// federation service when the cached value is missing or expired.
//
// All refreshes of a Manager go through a single in-flight exchange,
// concurrent callers wait for it and share its result.
type Manager struct {
	fetcher      CredentialFetcher
	cache        Cache
	group        singleflight.Group
	reloadBefore time.Duration
	now          func() time.Time
	log          logrus.FieldLogger
	observer     Observer
}

func NewManager(fetcher CredentialFetcher, cache Cache, opts ...ManagerOption) *Manager {
	m := &Manager{
		fetcher: fetcher,
		cache:   cache,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = discardLogger()
	}
	return m
}

// Credentials returns the cached credentials if they are still valid,
// otherwise it waits for a refresh.
//
// Callers that joined a refresh started by another caller get an
// ErrFailedCredentials error when that refresh failed, unless the cache
// holds valid credentials by then.
func (m *Manager) Credentials(ctx context.Context) (*Credentials, error) {
	creds, err := m.cache.Read(ctx)
	if err != nil {
		return nil, err
	}
	if creds.ValidAt(m.now(), m.reloadBefore) {
		m.onCacheHit()
		return creds, nil
	}

	m.onCacheMiss()
	return m.refresh(ctx, false)
}

// ForceRefresh fetches and persists new credentials regardless of what is
// cached, e.g. after the API rejected the current ones. A refresh that is
// already in flight is joined rather than duplicated.
func (m *Manager) ForceRefresh(ctx context.Context) (*Credentials, error) {
	return m.refresh(ctx, true)
}

func (m *Manager) refresh(ctx context.Context, forced bool) (*Credentials, error) {
	started := false
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		started = true
		return m.doRefresh(ctx, forced)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s, %w", ctx.Err(), ErrFailedCredentials)
	case res := <-ch:
		if started {
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Credentials), nil
		}

		m.onDuplicateRequest()
		if res.Err == nil {
			return res.Val.(*Credentials), nil
		}

		// the shared refresh failed; unforced callers may still be served from
		// the cache, forced ones always get the error
		if !forced {
			creds, err := m.cache.Read(ctx)
			if err == nil && creds.ValidAt(m.now(), m.reloadBefore) {
				return creds, nil
			}
		}
		return nil, fmt.Errorf("%s, %w", res.Err, ErrFailedCredentials)
	}
}

func (m *Manager) doRefresh(ctx context.Context, forced bool) (creds *Credentials, err error) {
	start := time.Now()
	fetched := false
	defer func() {
		if r := recover(); r != nil {
			creds, err = nil, fmt.Errorf("refresh panicked: %v, %w", r, ErrFailedCredentials)
		}
		if err != nil {
			m.log.WithError(err).Error("credential refresh failed")
			m.onFailedRefresh(time.Since(start))
			return
		}
		if fetched {
			m.onRefresh(time.Since(start))
		}
	}()

	if !forced {
		// another refresh may have completed between our cache read and now
		if cached, err := m.cache.Read(ctx); err == nil && cached.ValidAt(m.now(), m.reloadBefore) {
			return cached, nil
		}
	}

	m.log.Debug("requesting new credentials from the identity pool")
	creds, err = m.fetcher.FetchNewCredentials(ctx)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, fmt.Errorf("fetcher returned no credentials, %w", ErrMalformedResponse)
	}
	fetched = true
	if err := m.cache.Write(ctx, creds); err != nil {
		return nil, err
	}
	m.log.WithField("expiration", creds.Expiration).Info("refreshed credentials")
	return creds, nil
}

func (m *Manager) onCacheHit() {
	if m.observer != nil {
		m.observer.OnCacheHit()
	}
}

func (m *Manager) onCacheMiss() {
	if m.observer != nil {
		m.observer.OnCacheMiss()
	}
}

func (m *Manager) onRefresh(latency time.Duration) {
	if m.observer != nil {
		m.observer.OnRefresh(latency)
	}
}

func (m *Manager) onFailedRefresh(latency time.Duration) {
	if m.observer != nil {
		m.observer.OnFailedRefresh(latency)
	}
}

func (m *Manager) onDuplicateRequest() {
	if m.observer != nil {
		m.observer.OnDuplicateRequest()
	}
}
