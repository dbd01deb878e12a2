// Package listing handles creator handle parsing and validation, derives a
// new asset's listing price from channel popularity, and filters the asset
// catalogue for browsing.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/model"
	"github.com/creatorx/market-engine/internal/pricing"
)

// DefaultLiquidity is the pool depth given to a newly listed asset.
var DefaultLiquidity = decimal.NewFromInt(100000)

// Handle kinds.
const (
	KindChannelID = "channel_id"
	KindHandle    = "handle"
)

// channelIDRegex matches a YouTube channel id: UC followed by 22 chars.
// Example: UCX6OQ3DkcsbYNE6H8uQQuVA
var channelIDRegex = regexp.MustCompile(`^UC[0-9A-Za-z_-]{22}$`)

// handleRegex matches an @handle: 3 to 30 letters, digits, '.', '_' or '-'.
var handleRegex = regexp.MustCompile(`^@[0-9A-Za-z._-]{3,30}$`)

var (
	ErrInvalidHandle    = errors.New("listing: invalid creator handle")
	ErrMissingName      = errors.New("listing: name is required")
	ErrInvalidStats     = errors.New("listing: popularity counters must be non-negative")
	ErrInvalidLiquidity = errors.New("listing: liquidity must be positive")
	ErrInvalidFilter    = errors.New("listing: invalid filter")
)

// Handle is a parsed creator identifier.
type Handle struct {
	Value string `json:"value"`
	Kind  string `json:"kind"`
}

// ParseHandle parses and validates a channel id or @handle. Handles are
// case-insensitive and normalised to lower case; channel ids are not.
func ParseHandle(s string) (*Handle, error) {
	s = strings.TrimSpace(s)
	switch {
	case channelIDRegex.MatchString(s):
		return &Handle{Value: s, Kind: KindChannelID}, nil
	case handleRegex.MatchString(s):
		return &Handle{Value: strings.ToLower(s), Kind: KindHandle}, nil
	}
	return nil, fmt.Errorf("%w: %q (expected UC{22 chars} or @handle)", ErrInvalidHandle, s)
}

// Request is the input for listing a new creator.
type Request struct {
	Handle    string                `json:"handle"`
	Name      string                `json:"name"`
	Category  string                `json:"category"`
	Stats     model.PopularityStats `json:"stats"`
	Liquidity decimal.Decimal       `json:"liquidity"` // 0 → DefaultLiquidity
}

// NewAsset validates req and builds an active asset priced by m.
func NewAsset(req Request, m *pricing.Model, now time.Time) (*model.Asset, error) {
	h, err := ParseHandle(req.Handle)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrMissingName
	}
	s := req.Stats
	if s.Subscribers < 0 || s.TotalViews < 0 || s.RecentViews < 0 || s.RecentShortsViews < 0 {
		return nil, ErrInvalidStats
	}
	if s.RecentShortsViews > s.RecentViews {
		return nil, fmt.Errorf("%w: shorts views exceed recent views", ErrInvalidStats)
	}

	liq := req.Liquidity
	switch {
	case liq.IsZero():
		liq = DefaultLiquidity
	case liq.IsNegative():
		return nil, ErrInvalidLiquidity
	}

	price := m.ListingPrice(s)
	return &model.Asset{
		ID:             uuid.New().String(),
		Handle:         h.Value,
		Name:           name,
		Category:       strings.ToLower(strings.TrimSpace(req.Category)),
		ReferencePrice: price,
		InitialPrice:   price,
		Liquidity:      liq,
		Active:         true,
		CreatedAt:      now.UTC(),
	}, nil
}

// Sort orders for Filter.
const (
	SortNewest = "newest"
	SortPrice  = "price"
	SortName   = "name"
	SortChange = "change"
)

// Filter selects and paginates assets for browsing.
type Filter struct {
	Category string
	Sort     string
	Page     int
	Limit    int
}

// Page is one page of filtered assets.
type Page struct {
	Assets     []model.Asset `json:"assets"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	Total      int           `json:"total"`
	TotalPages int           `json:"total_pages"`
}

// Validate fills defaults and checks ranges: page ≥ 1, 1 ≤ limit ≤ 100.
func (f *Filter) Validate() error {
	if f.Sort == "" {
		f.Sort = SortNewest
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = 20
	}
	switch f.Sort {
	case SortNewest, SortPrice, SortName, SortChange:
	default:
		return fmt.Errorf("%w: unknown sort %q", ErrInvalidFilter, f.Sort)
	}
	if f.Page < 1 || f.Limit < 1 || f.Limit > 100 {
		return fmt.Errorf("%w: page %d limit %d", ErrInvalidFilter, f.Page, f.Limit)
	}
	return nil
}

// Apply filters, sorts and paginates assets. The input is not modified.
func (f Filter) Apply(assets []model.Asset) Page {
	out := make([]model.Asset, 0, len(assets))
	category := strings.ToLower(f.Category)
	for _, a := range assets {
		if category != "" && a.Category != category {
			continue
		}
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool {
		switch f.Sort {
		case SortPrice:
			return out[i].ReferencePrice.GreaterThan(out[j].ReferencePrice)
		case SortName:
			return out[i].Name < out[j].Name
		case SortChange:
			return Change(out[i]).GreaterThan(Change(out[j]))
		default:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
	})

	total := len(out)
	start := (f.Page - 1) * f.Limit
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	return Page{Assets: out[start:end], Page: f.Page, Limit: f.Limit, Total: total, TotalPages: pages}
}

// Categories returns the distinct non-empty categories of assets, sorted.
func Categories(assets []model.Asset) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, a := range assets {
		if a.Category == "" || seen[a.Category] {
			continue
		}
		seen[a.Category] = true
		out = append(out, a.Category)
	}
	sort.Strings(out)
	return out
}

// Change is the fractional move from the listing price.
func Change(a model.Asset) decimal.Decimal {
	if !a.InitialPrice.IsPositive() {
		return decimal.Zero
	}
	return a.ReferencePrice.Sub(a.InitialPrice).Div(a.InitialPrice)
}
