// Package catalog fetches and caches the broker's symbol universe: the
// per-account (id, name) list, and per-symbol digits/pip metadata fetched
// lazily on first interest. Entries live for one broker session; the cache
// is invalidated on reconnect and rebuilt on demand.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"fxfeed/internal/codec"
	"fxfeed/pkg/types"
)

// ErrNotFound is returned when a symbol name or id is not in the broker's
// list for this account.
var ErrNotFound = errors.New("symbol not found")

// Requester issues correlated broker requests. Satisfied by *broker.Session.
type Requester interface {
	Request(ctx context.Context, identifier string, params map[string]any) (map[string]any, error)
}

// Catalog caches symbol metadata for the lifetime of a broker session.
type Catalog struct {
	broker    Requester
	accountID int64
	logger    *slog.Logger

	mu         sync.Mutex
	listed     map[string]int32 // name → id, from SymbolsList
	byName     map[string]types.Symbol
	byID       map[int32]types.Symbol
	listLoaded bool
	listFlight chan struct{} // non-nil while a SymbolsList fetch is in flight
	inflight   map[string]chan struct{}
}

// New creates an empty catalog over the given broker session.
func New(broker Requester, accountID int64, logger *slog.Logger) *Catalog {
	return &Catalog{
		broker:    broker,
		accountID: accountID,
		logger:    logger.With("component", "catalog"),
		listed:    make(map[string]int32),
		byName:    make(map[string]types.Symbol),
		byID:      make(map[int32]types.Symbol),
		inflight:  make(map[string]chan struct{}),
	}
}

// Invalidate drops everything cached. Called when the broker session goes
// down; in-flight fetches fail through their own broker errors and are
// retried by their callers.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listed = make(map[string]int32)
	c.byName = make(map[string]types.Symbol)
	c.byID = make(map[int32]types.Symbol)
	c.listLoaded = false
	c.logger.Info("symbol cache invalidated")
}

// Known reports whether the broker lists a symbol with this name.
func (c *Catalog) Known(ctx context.Context, name string) (bool, error) {
	if err := c.ensureList(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.listed[name]
	return ok, nil
}

// ResolveName returns cached full metadata for a symbol name.
func (c *Catalog) ResolveName(name string) (types.Symbol, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sym, ok := c.byName[name]
	return sym, ok
}

// ResolveID returns cached full metadata for a symbol id.
func (c *Catalog) ResolveID(id int32) (types.Symbol, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sym, ok := c.byID[id]
	return sym, ok
}

// Listed returns every symbol the broker lists, sorted by name. Entries
// whose metadata has been fetched carry digits and pip position; the rest
// carry the name and id only.
func (c *Catalog) Listed(ctx context.Context) ([]types.Symbol, error) {
	if err := c.ensureList(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Symbol, 0, len(c.listed))
	for name, id := range c.listed {
		if sym, ok := c.byName[name]; ok {
			out = append(out, sym)
		} else {
			out = append(out, types.Symbol{ID: id, Name: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// EnsureMetadata returns full metadata for a symbol, fetching digits and
// pip position from the broker on first use. Concurrent callers for the
// same name converge on one in-flight fetch.
func (c *Catalog) EnsureMetadata(ctx context.Context, name string) (types.Symbol, error) {
	if err := c.ensureList(ctx); err != nil {
		return types.Symbol{}, err
	}

	for {
		c.mu.Lock()
		if sym, ok := c.byName[name]; ok {
			c.mu.Unlock()
			return sym, nil
		}
		id, ok := c.listed[name]
		if !ok {
			c.mu.Unlock()
			return types.Symbol{}, fmt.Errorf("symbol %q: %w", name, ErrNotFound)
		}
		if ch, ok := c.inflight[name]; ok {
			c.mu.Unlock()
			select {
			case <-ch:
				continue // re-check the cache; fetch may have failed
			case <-ctx.Done():
				return types.Symbol{}, ctx.Err()
			}
		}
		ch := make(chan struct{})
		c.inflight[name] = ch
		c.mu.Unlock()

		sym, err := c.fetchMetadata(ctx, name, id)

		c.mu.Lock()
		delete(c.inflight, name)
		if err == nil {
			c.byName[name] = sym
			c.byID[sym.ID] = sym
		}
		c.mu.Unlock()
		close(ch)

		if err != nil {
			return types.Symbol{}, err
		}
		return sym, nil
	}
}

func (c *Catalog) fetchMetadata(ctx context.Context, name string, id int32) (types.Symbol, error) {
	params, err := c.broker.Request(ctx, "SymbolByIdReq", map[string]any{
		"accountId": c.accountID,
		"symbolId":  int64(id),
	})
	if err != nil {
		return types.Symbol{}, fmt.Errorf("fetch metadata for %s: %w", name, err)
	}
	sym, err := codec.SymbolFromParams(params)
	if err != nil {
		return types.Symbol{}, fmt.Errorf("fetch metadata for %s: %w", name, err)
	}
	if sym.Name == "" {
		sym.Name = name
	}
	c.logger.Debug("symbol metadata cached",
		"symbol", sym.Name,
		"digits", sym.Digits,
		"pip_position", sym.PipPosition,
	)
	return sym, nil
}

// ensureList loads the per-account symbol list once per session, with
// concurrent callers sharing one in-flight request.
func (c *Catalog) ensureList(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.listLoaded {
			c.mu.Unlock()
			return nil
		}
		if c.listFlight != nil {
			ch := c.listFlight
			c.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ch := make(chan struct{})
		c.listFlight = ch
		c.mu.Unlock()

		err := c.fetchList(ctx)

		c.mu.Lock()
		c.listFlight = nil
		c.mu.Unlock()
		close(ch)
		return err
	}
}

func (c *Catalog) fetchList(ctx context.Context) error {
	params, err := c.broker.Request(ctx, "SymbolsListReq", map[string]any{
		"accountId": c.accountID,
	})
	if err != nil {
		return fmt.Errorf("fetch symbol list: %w", err)
	}
	entries, err := codec.SymbolEntriesFromParams(params)
	if err != nil {
		return fmt.Errorf("fetch symbol list: %w", err)
	}

	c.mu.Lock()
	for _, e := range entries {
		c.listed[e.Name] = e.ID
	}
	c.listLoaded = true
	c.mu.Unlock()

	c.logger.Info("symbol list loaded", "count", len(entries))
	return nil
}
