// Package credcache caches the account broker's bulk listing so credential
// resolution during sync does not hit the broker on every ticket. The cache
// refreshes on an interval; lookups that miss it fall through to the broker
// directly and are memoized until the next full refresh.
package credcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opsbridge/ticketbridge/internal/platform"
)

const DefaultTTL = 3 * time.Minute

var ErrNoCredential = errors.New("no cloud credential for reporter")

type Options struct {
	Broker platform.BrokerClient
	Logger *slog.Logger
	TTL    time.Duration
	// MasterFallback lets a lookup that finds no credential for the
	// reporter fall back to the master user of the account's customer.
	MasterFallback bool
	Now            func() time.Time
}

// snapshot is one immutable view of the broker listing. Lookups read it
// without holding the cache lock for long; a refresh swaps the whole thing.
type snapshot struct {
	byEmail   map[string][]platform.BrokerUser
	byAccount map[string]platform.BrokerAccount
	takenAt   time.Time
}

type Cache struct {
	broker         platform.BrokerClient
	logger         *slog.Logger
	ttl            time.Duration
	masterFallback bool
	now            func() time.Time

	mu   sync.RWMutex
	snap *snapshot

	// dependent memoizes resolutions that needed a direct broker call or a
	// master walk. It is wiped only by a successful full refresh.
	depMu     sync.Mutex
	dependent map[string]platform.Credential
}

func New(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		broker:         opts.Broker,
		logger:         logger,
		ttl:            ttl,
		masterFallback: opts.MasterFallback,
		now:            now,
		dependent:      map[string]platform.Credential{},
	}
}

// Run refreshes the cache on the configured interval until ctx is done. The
// first refresh happens immediately.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("initial credential refresh failed", "error", err)
	}
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("credential refresh failed", "error", err)
			}
		}
	}
}

// Refresh replaces the snapshot with a fresh broker listing. On failure the
// previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	accounts, err := c.broker.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list broker accounts: %w", err)
	}
	next := &snapshot{
		byEmail:   map[string][]platform.BrokerUser{},
		byAccount: map[string]platform.BrokerAccount{},
		takenAt:   c.now(),
	}
	for _, account := range accounts {
		next.byAccount[account.AccountID] = account
		for _, user := range account.Users {
			key := normalizeEmail(user.Email)
			next.byEmail[key] = append(next.byEmail[key], user)
		}
	}

	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()

	c.depMu.Lock()
	c.dependent = map[string]platform.Credential{}
	c.depMu.Unlock()

	c.logger.Info("credential cache refreshed",
		"accounts", len(next.byAccount), "emails", len(next.byEmail))
	return nil
}

// Resolve finds the cloud credential to use for a reporter on an account.
// accountID may be empty when the ticket does not name one.
func (c *Cache) Resolve(ctx context.Context, email, accountID string) (platform.Credential, error) {
	email = normalizeEmail(email)
	if email == "" {
		return platform.Credential{}, ErrNoCredential
	}

	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap == nil || len(snap.byEmail) == 0 {
		// Degraded mode: no snapshot yet, or the broker listed nothing.
		// Direct lookups are not memoized here so a later populated
		// snapshot is consulted fresh.
		return c.resolveDirect(ctx, email, accountID)
	}

	if cred, ok := pickUser(snap.byEmail[email], accountID); ok {
		return cred, nil
	}

	if cred, ok := c.lookupDependent(email, accountID); ok {
		return cred, nil
	}

	if c.masterFallback && accountID != "" {
		if account, ok := snap.byAccount[accountID]; ok {
			master, err := c.broker.GetMasterForCustomer(ctx, account.Customer.CustomerID)
			if err == nil && master.Credential.Valid() {
				c.memoize(email, accountID, master.Credential)
				return master.Credential, nil
			}
			if err != nil {
				c.logger.Warn("master fallback failed", "account", accountID, "error", err)
			}
		}
	}

	cred, err := c.resolveDirect(ctx, email, accountID)
	if err != nil {
		return platform.Credential{}, err
	}
	c.memoize(email, accountID, cred)
	return cred, nil
}

func (c *Cache) resolveDirect(ctx context.Context, email, accountID string) (platform.Credential, error) {
	users, err := c.broker.GetCredentialsForEmail(ctx, email)
	if err != nil {
		return platform.Credential{}, fmt.Errorf("broker lookup for %s: %w", email, err)
	}
	if cred, ok := pickUser(users, accountID); ok {
		return cred, nil
	}
	return platform.Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, email)
}

func (c *Cache) lookupDependent(email, accountID string) (platform.Credential, bool) {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	cred, ok := c.dependent[depKey(email, accountID)]
	return cred, ok
}

func (c *Cache) memoize(email, accountID string, cred platform.Credential) {
	c.depMu.Lock()
	c.dependent[depKey(email, accountID)] = cred
	c.depMu.Unlock()
}

// Snapshot reports cache health for the status surface.
type Snapshot struct {
	Ready     bool      `json:"ready"`
	Accounts  int       `json:"accounts"`
	Emails    int       `json:"emails"`
	Dependent int       `json:"dependent"`
	TakenAt   time.Time `json:"taken_at,omitempty"`
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	c.depMu.Lock()
	dependent := len(c.dependent)
	c.depMu.Unlock()
	if snap == nil {
		return Snapshot{Dependent: dependent}
	}
	return Snapshot{
		Ready:     len(snap.byEmail) > 0,
		Accounts:  len(snap.byAccount),
		Emails:    len(snap.byEmail),
		Dependent: dependent,
		TakenAt:   snap.takenAt,
	}
}

// pickUser chooses a credential from the user list: one matching the account
// when an account is named, otherwise the first valid one.
func pickUser(users []platform.BrokerUser, accountID string) (platform.Credential, bool) {
	if accountID != "" {
		for _, user := range users {
			if user.Credential.APIID == accountID && user.Credential.Valid() {
				return user.Credential, true
			}
		}
		return platform.Credential{}, false
	}
	for _, user := range users {
		if user.Credential.Valid() {
			return user.Credential, true
		}
	}
	return platform.Credential{}, false
}

func depKey(email, accountID string) string {
	return email + "\x00" + accountID
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
