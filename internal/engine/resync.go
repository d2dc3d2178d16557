package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/cartcore/internal/domain"
)

const (
	resyncOK    = "ok"
	resyncError = "error"
)

// Resync refreshes the item's stock and the user's cart from the authority.
// Pending deltas survive the refresh. Concurrent refreshes of the same item
// or cart share one authority call.
func (c *Coordinator) Resync(ctx context.Context, key domain.Key) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.RefreshStock(ctx, key.ItemID) })
	g.Go(func() error { return c.RefreshCart(ctx, key.UserKey) })

	err := g.Wait()
	if err != nil {
		c.metrics.IncResync(resyncError)
		c.logger.Error("resync failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	c.metrics.IncResync(resyncOK)
	c.logger.Info("resync completed", slog.String("key", key.String()))
	return nil
}

// RefreshStock seeds the ledger with the authority's current stock. An
// item the authority no longer sells is forgotten.
func (c *Coordinator) RefreshStock(ctx context.Context, itemID string) error {
	_, err, _ := c.flight.Do("stock/"+itemID, func() (any, error) {
		snap, err := retry(ctx, c.opts, func() (domain.StockSnapshot, error) {
			return c.authority.FetchStock(ctx, itemID)
		})
		if errors.Is(err, domain.ErrItemNotFound) || errors.Is(err, domain.ErrItemDiscontinued) {
			c.ForgetItem(itemID)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return nil, c.stock.Seed(itemID, snap.Stock, snap.Version)
	})
	return err
}

// RefreshCart installs the authority's current cart for the user.
func (c *Coordinator) RefreshCart(ctx context.Context, userKey string) error {
	_, err, _ := c.flight.Do("cart/"+userKey, func() (any, error) {
		snap, err := retry(ctx, c.opts, func() (domain.CartSnapshot, error) {
			return c.authority.FetchCartSnapshot(ctx, userKey)
		})
		if err != nil {
			return nil, err
		}
		snap.UserKey = userKey
		c.carts.Replace(snap)
		return nil, nil
	})
	return err
}

// retry runs fn with exponential backoff. Only network errors and timeouts
// are retried.
func retry[T any](ctx context.Context, opts Options, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ResyncInitialInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !domain.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(opts.ResyncMaxTries))
}

// resyncAsync runs Resync in the background, detached from any caller.
func (c *Coordinator) resyncAsync(key domain.Key) {
	budget := c.opts.Timeout * time.Duration(c.opts.ResyncMaxTries+1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		_ = c.Resync(ctx, key)
	}()
}

// refreshStockAsync runs RefreshStock in the background, detached from any
// caller.
func (c *Coordinator) refreshStockAsync(itemID string) {
	budget := c.opts.Timeout * time.Duration(c.opts.ResyncMaxTries+1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		if err := c.RefreshStock(ctx, itemID); err != nil {
			c.metrics.IncResync(resyncError)
			c.logger.Error("stock refresh failed",
				slog.String("item_id", itemID),
				slog.String("error", err.Error()),
			)
			return
		}
		c.metrics.IncResync(resyncOK)
	}()
}
