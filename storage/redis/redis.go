// Package redis provides a Redis implementation of the billing.Store interface.
// Records are stored as JSON in hashes next to their ordering stamp, and the
// guarded upsert runs as a Lua script so the compare and the write are atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Store implements billing.Store using Redis
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script

	now func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// TTL expires every record written (0 = no expiration). Only set this
	// when the store is used as a cache in front of a durable store.
	TTL time.Duration

	// MaxRetries bounds optimistic transaction retries on contention (default: 10)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "billsync:",
		MaxRetries: 10,
	}
}

// ErrShardedClient is returned by New for cluster and ring clients. The
// guarded upsert writes a record and its owner index in one script, and
// those keys are not guaranteed to share a slot or shard.
var ErrShardedClient = errors.New("redis store needs a single-node or failover client")

// New creates a new Redis store
// The client must be a *redis.Client, including one from NewFailoverClient.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	switch client.(type) {
	case *redis.ClusterClient, *redis.Ring:
		return nil, ErrShardedClient
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 10
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
		now:     time.Now,
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Store) loadScripts() {
	// Write the record unless the stored stamp is later, then index it
	// under its owner when an index key is given.
	s.scripts["guardedUpsert"] = redis.NewScript(`
		local docKey = KEYS[1]
		local data = ARGV[1]
		local stamp = tonumber(ARGV[2])
		local ttl = tonumber(ARGV[3])
		local member = ARGV[4]
		local owner = ARGV[5]

		local current = redis.call('HGET', docKey, 'stamp')
		if current and tonumber(current) > stamp then
			return 0
		end

		redis.call('HSET', docKey, 'data', data, 'stamp', ARGV[2], 'owner', owner)
		if ttl > 0 then
			redis.call('EXPIRE', docKey, ttl)
		end

		if #KEYS > 1 then
			redis.call('SADD', KEYS[2], member)
			if ttl > 0 then
				redis.call('EXPIRE', KEYS[2], ttl)
			end
		end
		return 1
	`)
}

func (s *Store) accountKey(id string) string {
	return s.config.KeyPrefix + "account:" + id
}

func (s *Store) subscriptionKey(id string) string {
	return s.config.KeyPrefix + "subscription:" + id
}

func (s *Store) accountSubscriptionsKey(accountID string) string {
	return s.config.KeyPrefix + "account-subscriptions:" + accountID
}

func (s *Store) invoiceKey(id string) string {
	return s.config.KeyPrefix + "invoice:" + id
}

// GetAccount implements billing.Store
func (s *Store) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	acct, err := s.readAccount(ctx, s.client, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, billing.ErrAccountNotFound
	}
	return acct, nil
}

// EnsureAccount implements billing.Store
func (s *Store) EnsureAccount(ctx context.Context, acct *billing.Account) error {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return fmt.Errorf("invalid account")
	}

	err := s.updateAccount(ctx, acct.ID, func(existing *billing.Account, now time.Time) (*billing.Account, error) {
		if existing == nil {
			return &billing.Account{
				ID:          acct.ID,
				Email:       acct.Email,
				DisplayName: acct.DisplayName,
				CreatedAt:   now,
				UpdatedAt:   now,
			}, nil
		}
		existing.Email = acct.Email
		existing.DisplayName = acct.DisplayName
		existing.UpdatedAt = now
		return existing, nil
	})
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// SetBillingCustomerID implements billing.Store
func (s *Store) SetBillingCustomerID(ctx context.Context, accountID, customerID string) (string, error) {
	if accountID == "" || customerID == "" {
		return "", fmt.Errorf("account id and customer id are required")
	}

	var stored string
	err := s.updateAccount(ctx, accountID, func(existing *billing.Account, now time.Time) (*billing.Account, error) {
		if existing == nil {
			stored = customerID
			return &billing.Account{ID: accountID, BillingCustomerID: customerID, CreatedAt: now, UpdatedAt: now}, nil
		}
		if existing.BillingCustomerID != "" {
			stored = existing.BillingCustomerID
			return nil, nil
		}
		stored = customerID
		existing.BillingCustomerID = customerID
		existing.UpdatedAt = now
		return existing, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to set billing customer id: %w", err)
	}
	return stored, nil
}

// updateAccount runs fn under WATCH on the account key and writes its result
// in a MULTI block. A nil result leaves the account untouched.
func (s *Store) updateAccount(ctx context.Context, accountID string,
	fn func(existing *billing.Account, now time.Time) (*billing.Account, error)) error {
	key := s.accountKey(accountID)

	txf := func(tx *redis.Tx) error {
		existing, err := s.readAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		next, err := fn(existing, s.now().UTC())
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.config.TTL)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("account %s: too much contention after %d attempts", accountID, s.config.MaxRetries)
}

// getter is satisfied by clients and by *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) readAccount(ctx context.Context, c getter, accountID string) (*billing.Account, error) {
	data, err := c.Get(ctx, s.accountKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	var acct billing.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", accountID, err)
	}
	return &acct, nil
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	var sub billing.Subscription
	found, err := s.readDoc(ctx, s.subscriptionKey(subscriptionID), &sub)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !found {
		return nil, billing.ErrSubscriptionNotFound
	}
	return &sub, nil
}

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}
	keys := []string{s.subscriptionKey(sub.ID)}
	if sub.AccountID != "" {
		keys = append(keys, s.accountSubscriptionsKey(sub.AccountID))
	}
	applied, err := s.guardedUpsert(ctx, keys, sub.ID, sub.AccountID, sub.SourceUpdatedAt, sub)
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription %s: %w", sub.ID, err)
	}
	return applied, nil
}

// ListSubscriptionsByAccount implements billing.Store. Index entries whose
// record now belongs to another account, or has expired, are pruned.
func (s *Store) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*billing.Subscription, error) {
	indexKey := s.accountSubscriptionsKey(accountID)
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	subs := make([]*billing.Subscription, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		var sub billing.Subscription
		found, err := s.readDoc(ctx, s.subscriptionKey(id), &sub)
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if !found || sub.AccountID != accountID {
			stale = append(stale, id)
			continue
		}
		subs = append(subs, &sub)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, indexKey, stale...).Err()
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

// GetInvoice implements billing.Store
func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	var inv billing.Invoice
	found, err := s.readDoc(ctx, s.invoiceKey(invoiceID), &inv)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if !found {
		return nil, billing.ErrInvoiceNotFound
	}
	return &inv, nil
}

// UpsertInvoice implements billing.Store
func (s *Store) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ID == "" {
		return false, fmt.Errorf("invalid invoice")
	}
	applied, err := s.guardedUpsert(ctx, []string{s.invoiceKey(inv.ID)}, inv.ID, inv.CustomerID, inv.SourceUpdatedAt, inv)
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice %s: %w", inv.ID, err)
	}
	return applied, nil
}

// Stamps are compared as Unix microseconds, which Lua numbers hold exactly.
func (s *Store) guardedUpsert(ctx context.Context, keys []string, member, owner string,
	stamp time.Time, record interface{}) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := s.scripts["guardedUpsert"].Run(ctx, s.client, keys,
		string(data),
		stamp.UnixMicro(),
		int64(s.config.TTL.Seconds()),
		member,
		owner,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) readDoc(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := s.client.HGet(ctx, key, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Ping checks Redis connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
