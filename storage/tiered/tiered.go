// Package tiered provides a Hot/Cold store that fronts a durable billing.Store
// (Cold) with a fast cache (Hot).
//
//   - Subscriptions and invoices are read through: Hot first, then Cold, which
//     repopulates Hot.
//   - Writes go to Cold first. Hot is written only when Cold applied the
//     write, so a stale redelivery can never reach a cache that has expired.
//   - Lists and accounts always come from Cold. The account's customer link
//     must never be served from a cache that may have lost it.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Config configures the tiered store behavior
type Config struct {
	// Hot is the cache store (e.g., Redis, Memory)
	Hot billing.Store

	// Cold is the durable store (e.g., Postgres, Firestore) and the source of truth
	Cold billing.Store

	// AsyncHotWrites moves cache writes off the request path. Cold writes
	// are always synchronous.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async cache writes.
	// Default: 1000
	SyncBufferSize int

	// ErrorHandler is called when a cache operation fails. Cache failures
	// never fail the call.
	ErrorHandler func(error)
}

// Store implements billing.Store over a Hot and a Cold store
type Store struct {
	hot  billing.Store
	cold billing.Store
	conf Config

	// Channel for async cache writes
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered store.
func New(config Config) (*Store, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Store{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending cache writes and stops the worker (if enabled).
func (s *Store) Close() error {
	if s.conf.AsyncHotWrites {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker applies cache writes in submission order.
func (s *Store) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Store) report(err error) {
	if err != nil && s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered cache: %w", err))
	}
}

// toHot runs a cache write inline or queues it.
func (s *Store) toHot(ctx context.Context, write func(ctx context.Context) error) {
	if !s.conf.AsyncHotWrites {
		s.report(write(ctx))
		return
	}

	detached := context.WithoutCancel(ctx)
	select {
	case s.syncQueue <- func() error { return write(detached) }:
	default:
		s.report(errors.New("sync queue full, dropping cache write"))
	}
}

// --- Cold only ---

// GetAccount implements billing.Store
func (s *Store) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	return s.cold.GetAccount(ctx, accountID)
}

// EnsureAccount implements billing.Store
func (s *Store) EnsureAccount(ctx context.Context, acct *billing.Account) error {
	return s.cold.EnsureAccount(ctx, acct)
}

// SetBillingCustomerID implements billing.Store
func (s *Store) SetBillingCustomerID(ctx context.Context, accountID, customerID string) (string, error) {
	return s.cold.SetBillingCustomerID(ctx, accountID, customerID)
}

// ListSubscriptionsByAccount implements billing.Store
func (s *Store) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*billing.Subscription, error) {
	return s.cold.ListSubscriptionsByAccount(ctx, accountID)
}

// --- Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	sub, err := s.hot.GetSubscription(ctx, subscriptionID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, billing.ErrSubscriptionNotFound) {
		s.report(err)
	}

	sub, err = s.cold.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	record := sub.Clone()
	s.toHot(ctx, func(ctx context.Context) error {
		_, err := s.hot.UpsertSubscription(ctx, record)
		return err
	})
	return sub, nil
}

// GetInvoice implements billing.Store
func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	inv, err := s.hot.GetInvoice(ctx, invoiceID)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, billing.ErrInvoiceNotFound) {
		s.report(err)
	}

	inv, err = s.cold.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	record := inv.Clone()
	s.toHot(ctx, func(ctx context.Context) error {
		_, err := s.hot.UpsertInvoice(ctx, record)
		return err
	})
	return inv, nil
}

// --- Write-Through (Cold → Hot) ---

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	applied, err := s.cold.UpsertSubscription(ctx, sub)
	if err != nil || !applied {
		return applied, err
	}

	record := sub.Clone()
	s.toHot(ctx, func(ctx context.Context) error {
		_, err := s.hot.UpsertSubscription(ctx, record)
		return err
	})
	return true, nil
}

// UpsertInvoice implements billing.Store
func (s *Store) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	applied, err := s.cold.UpsertInvoice(ctx, inv)
	if err != nil || !applied {
		return applied, err
	}

	record := inv.Clone()
	s.toHot(ctx, func(ctx context.Context) error {
		_, err := s.hot.UpsertInvoice(ctx, record)
		return err
	})
	return true, nil
}
