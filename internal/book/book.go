// Package book keeps an in-memory price-time index of the resting orders on
// one asset. The index is a read accelerator only: the store remains the
// source of truth, and every candidate the index yields must be re-read
// inside the asset transaction before it is filled.
//
// Bids sort by price descending, asks by price ascending. Within a price,
// earlier orders come first; order ID breaks exact timestamp ties.
package book

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/creatorx/market-engine/internal/model"
)

// Entry is the index key of one resting order.
type Entry struct {
	OrderID   string
	Side      model.Side
	Price     decimal.Decimal
	CreatedAt time.Time
}

func earlier(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// Index is not safe for concurrent use; the engine serialises access per
// asset.
type Index struct {
	bids *btree.BTreeG[Entry]
	asks *btree.BTreeG[Entry]
	byID map[string]Entry
}

// New returns an empty index.
func New() *Index {
	opts := btree.Options{NoLocks: true}
	// Sorted greatest first.
	bids := btree.NewBTreeGOptions(func(a, b Entry) bool {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c > 0
		}
		return earlier(a, b)
	}, opts)
	// Sorted least first.
	asks := btree.NewBTreeGOptions(func(a, b Entry) bool {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c < 0
		}
		return earlier(a, b)
	}, opts)
	return &Index{bids: bids, asks: asks, byID: make(map[string]Entry)}
}

// FromOrders builds an index from the resting orders of one asset.
// Orders that are not resting are ignored.
func FromOrders(orders []model.Order) *Index {
	ix := New()
	for i := range orders {
		if orders[i].Status.Resting() {
			ix.Insert(&orders[i])
		}
	}
	return ix
}

func (ix *Index) tree(side model.Side) *btree.BTreeG[Entry] {
	switch side {
	case model.Buy:
		return ix.bids
	case model.Sell:
		return ix.asks
	default:
		return nil
	}
}

// Insert adds or replaces the entry for o.
func (ix *Index) Insert(o *model.Order) {
	t := ix.tree(o.Side)
	if t == nil {
		return
	}
	ix.Remove(o.ID)
	e := Entry{OrderID: o.ID, Side: o.Side, Price: o.Price, CreatedAt: o.CreatedAt}
	t.Set(e)
	ix.byID[o.ID] = e
}

// Remove deletes the order's entry and reports whether it was present.
func (ix *Index) Remove(orderID string) bool {
	e, ok := ix.byID[orderID]
	if !ok {
		return false
	}
	ix.tree(e.Side).Delete(e)
	delete(ix.byID, orderID)
	return true
}

// Contains reports whether the order is indexed.
func (ix *Index) Contains(orderID string) bool {
	_, ok := ix.byID[orderID]
	return ok
}

// Len returns the number of indexed orders.
func (ix *Index) Len() int {
	return len(ix.byID)
}

// Best returns the top of book on side.
func (ix *Index) Best(side model.Side) (Entry, bool) {
	t := ix.tree(side)
	if t == nil {
		return Entry{}, false
	}
	return t.Min()
}

// Crossing returns up to max resting orders on the side opposite taker
// whose price is acceptable to a taker with the given limit, best price
// first and oldest first within a price. A max of zero or less means no
// bound.
func (ix *Index) Crossing(taker model.Side, limit decimal.Decimal, max int) []Entry {
	t := ix.tree(taker.Opposite())
	if t == nil {
		return nil
	}
	var out []Entry
	t.Scan(func(e Entry) bool {
		if !crosses(taker, limit, e.Price) {
			return false
		}
		out = append(out, e)
		return max <= 0 || len(out) < max
	})
	return out
}

// crosses reports whether a taker on side with limit may trade at price.
func crosses(taker model.Side, limit, price decimal.Decimal) bool {
	switch taker {
	case model.Buy:
		return price.LessThanOrEqual(limit)
	case model.Sell:
		return price.GreaterThanOrEqual(limit)
	default:
		return false
	}
}
