// Package perp answers whether a base has a perpetual market on one of the
// hedge venues.
package perp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Venue string

const (
	VenueHyperliquid Venue = "hyperliquid"
	VenueBinance     Venue = "binance"
)

// Listing is one perpetual market, decoded from whichever venue served it.
type Listing struct {
	Venue       Venue
	Base        string
	Symbol      string
	LeverageMax int
}

// Info is the answer to HasPerp.
type Info struct {
	HasPerp     bool
	Symbol      string
	Venue       Venue
	LeverageMax int
}

type Source interface {
	Venue() Venue
	FetchListings(ctx context.Context) ([]Listing, error)
}

type catalogSnapshot struct {
	byBase    map[string][]Listing
	byVenue   map[Venue][]Listing
	updatedAt time.Time
}

// Catalog is a periodically refreshed union of every source. A failed venue
// keeps its previous listings.
type Catalog struct {
	sources []Source
	refresh time.Duration
	log     *zap.Logger
	now     func() time.Time

	snap      atomic.Pointer[catalogSnapshot]
	refreshMu sync.Mutex
}

func NewCatalog(sources []Source, refresh time.Duration, log *zap.Logger) *Catalog {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{sources: sources, refresh: refresh, log: log, now: time.Now}
}

// HasPerp looks base up. The first call refreshes the catalog if it was
// never loaded.
func (c *Catalog) HasPerp(ctx context.Context, base string) (Info, error) {
	snap := c.snap.Load()
	if snap == nil {
		if err := c.Refresh(ctx); err != nil {
			return Info{}, err
		}
		snap = c.snap.Load()
	}
	listings := snap.byBase[normalizeBase(base)]
	if len(listings) == 0 {
		return Info{}, nil
	}
	best := listings[0]
	return Info{HasPerp: true, Symbol: best.Symbol, Venue: best.Venue, LeverageMax: best.LeverageMax}, nil
}

// Refresh fetches every source concurrently. It fails only when no source
// has ever produced listings.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	results := make([][]Listing, len(c.sources))
	errs := make([]error, len(c.sources))
	var g errgroup.Group
	for i, src := range c.sources {
		g.Go(func() error {
			listings, err := src.FetchListings(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", src.Venue(), err)
				return nil
			}
			results[i] = listings
			return nil
		})
	}
	_ = g.Wait()

	prev := c.snap.Load()
	byVenue := make(map[Venue][]Listing, len(c.sources))
	for i, src := range c.sources {
		switch {
		case errs[i] == nil:
			byVenue[src.Venue()] = results[i]
		case prev != nil:
			byVenue[src.Venue()] = prev.byVenue[src.Venue()]
			c.log.Warn("perp source refresh failed, keeping previous listings", zap.Error(errs[i]))
		default:
			c.log.Warn("perp source refresh failed", zap.Error(errs[i]))
		}
	}
	if len(byVenue) == 0 {
		return errors.Join(errs...)
	}
	byBase := make(map[string][]Listing)
	// Source order is venue preference.
	for _, src := range c.sources {
		for _, l := range byVenue[src.Venue()] {
			byBase[l.Base] = append(byBase[l.Base], l)
		}
	}
	c.snap.Store(&catalogSnapshot{byBase: byBase, byVenue: byVenue, updatedAt: c.now()})
	c.log.Debug("perp catalog refreshed", zap.Int("bases", len(byBase)))
	return nil
}

func (c *Catalog) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn("perp catalog initial refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("perp catalog refresh failed", zap.Error(err))
			}
		}
	}
}

func (c *Catalog) UpdatedAt() time.Time {
	if snap := c.snap.Load(); snap != nil {
		return snap.updatedAt
	}
	return time.Time{}
}

func normalizeBase(base string) string {
	return strings.ToUpper(strings.TrimSpace(base))
}
