// Package directory pages through the business catalog for one user and
// keeps what it fetched so search, sort and repricing never go back to the
// source.
package directory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/example/cartrabbit/internal/fare"
	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/observability"
)

const (
	PageSize      = 10
	AllCategories = "all"
)

type SortBy string

const (
	SortByName   SortBy = "name"
	SortByPrice  SortBy = "price"
	SortByRating SortBy = "rating"
)

// Source returns up to limit businesses with id greater than after, in id
// order. An empty category means every category.
type Source interface {
	FetchPage(ctx context.Context, category, after string, limit int) ([]models.Business, error)
}

type Query struct {
	Search string
	SortBy SortBy
}

type categoryCache struct {
	items   []models.Business
	seen    map[string]struct{}
	cursor  string
	hasMore bool
}

type Directory struct {
	source Source

	mu       sync.Mutex
	category string
	caches   map[string]*categoryCache
	origin   *models.Coord
}

func New(source Source) *Directory {
	return &Directory{source: source, category: AllCategories, caches: make(map[string]*categoryCache)}
}

func normalizeCategory(c string) string {
	c = strings.TrimSpace(strings.ToLower(c))
	if c == "" {
		return AllCategories
	}
	return c
}

// Select switches to category and loads its first page unless it is cached.
func (d *Directory) Select(ctx context.Context, category string) ([]models.Business, error) {
	category = normalizeCategory(category)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.category = category
	if _, ok := d.caches[category]; ok {
		observability.DirectoryFetches.WithLabelValues(category, "hit").Inc()
		return d.itemsLocked(), nil
	}
	d.caches[category] = &categoryCache{seen: make(map[string]struct{}), hasMore: true}
	if err := d.fetchLocked(ctx); err != nil {
		delete(d.caches, category)
		return nil, err
	}
	return d.itemsLocked(), nil
}

// LoadMore fetches the next page of the selected category. It is a no-op
// once the source ran dry.
func (d *Directory) LoadMore(ctx context.Context) ([]models.Business, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.caches[d.category]
	if !ok {
		c = &categoryCache{seen: make(map[string]struct{}), hasMore: true}
		d.caches[d.category] = c
	}
	if !c.hasMore {
		return d.itemsLocked(), nil
	}
	if err := d.fetchLocked(ctx); err != nil {
		return nil, err
	}
	return d.itemsLocked(), nil
}

func (d *Directory) fetchLocked(ctx context.Context) error {
	c := d.caches[d.category]
	filter := d.category
	if filter == AllCategories {
		filter = ""
	}
	page, err := d.source.FetchPage(ctx, filter, c.cursor, PageSize)
	if err != nil {
		observability.DirectoryFetches.WithLabelValues(d.category, "error").Inc()
		return fmt.Errorf("failed to load businesses: %w", err)
	}
	observability.DirectoryFetches.WithLabelValues(d.category, "miss").Inc()
	c.hasMore = len(page) == PageSize
	for _, b := range page {
		c.cursor = b.ID
		if _, dup := c.seen[b.ID]; dup {
			continue
		}
		c.seen[b.ID] = struct{}{}
		c.items = append(c.items, d.priced(b))
	}
	return nil
}

func (d *Directory) priced(b models.Business) models.Business {
	b.PriceCents = nil
	if d.origin == nil {
		return b
	}
	q, err := fare.Estimate(*d.origin, b.Location)
	if err != nil {
		return b
	}
	price := q.FareCents
	b.PriceCents = &price
	return b
}

// SetOrigin reprices every cached business from the caller's new position.
// Nil clears prices.
func (d *Directory) SetOrigin(origin *models.Coord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if origin != nil {
		o := *origin
		origin = &o
	}
	d.origin = origin
	for _, c := range d.caches {
		for i, b := range c.items {
			c.items[i] = d.priced(b)
		}
	}
}

func (d *Directory) HasMore() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.caches[d.category]
	return !ok || c.hasMore
}

func (d *Directory) Category() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.category
}

func (d *Directory) itemsLocked() []models.Business {
	c, ok := d.caches[d.category]
	if !ok {
		return nil
	}
	out := make([]models.Business, len(c.items))
	for i, b := range c.items {
		out[i] = cloneBusiness(b)
	}
	return out
}

// List filters and sorts the fetched businesses of the selected category.
func (d *Directory) List(q Query) []models.Business {
	d.mu.Lock()
	items := d.itemsLocked()
	d.mu.Unlock()

	if term := strings.ToLower(strings.TrimSpace(q.Search)); term != "" {
		items = slices.DeleteFunc(items, func(b models.Business) bool {
			return !strings.Contains(strings.ToLower(b.Name), term) &&
				!strings.Contains(strings.ToLower(b.Address), term) &&
				!strings.Contains(strings.ToLower(b.Category), term)
		})
	}
	Sort(items, q.SortBy)
	return items
}

// Sort orders by name ascending, price ascending with unpriced last, or
// rating descending. Ties fall back to id.
func Sort(items []models.Business, by SortBy) {
	slices.SortStableFunc(items, func(a, b models.Business) int {
		var c int
		switch by {
		case SortByPrice:
			c = comparePrice(a.PriceCents, b.PriceCents)
		case SortByRating:
			c = cmp.Compare(b.Rating, a.Rating)
		default:
			c = cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func comparePrice(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return cmp.Compare(*a, *b)
}

func cloneBusiness(b models.Business) models.Business {
	if b.PriceCents != nil {
		p := *b.PriceCents
		b.PriceCents = &p
	}
	return b
}

var ErrUnknownSort = errors.New("unknown sort")

func ParseSort(s string) (SortBy, error) {
	switch SortBy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortByName:
		return SortByName, nil
	case SortByPrice:
		return SortByPrice, nil
	case SortByRating:
		return SortByRating, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownSort, s)
}
