// Package journal keeps an append-only log of executions per asset in a
// local Pebble database and aggregates them into OHLC candles.
//
// The journal subscribes to the engine and records one print per
// execution, taken from the taker's side of each fill. It is a read model:
// the ledger in the store remains the source of truth.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/model"
)

const prefixPrint = "print:"

// Print is one execution.
type Print struct {
	ID       string          `json:"id"`
	Seq      int             `json:"seq"` // position within one order's fills
	AssetID  string          `json:"asset_id"`
	Side     model.Side      `json:"side"` // taker side
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Time     time.Time       `json:"time"`
}

// Journal is a Pebble-backed print log.
type Journal struct {
	db  *pebble.DB
	log *slog.Logger
}

// Open opens or creates the journal at path.
func Open(path string, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := pebble.Open(path, &pebble.Options{
		Cache:        pebble.NewCache(16 << 20),
		MemTableSize: 8 << 20,
		BytesPerSync: 512 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}
	return &Journal{db: db, log: log}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Format: "print:{asset}:{unix nanos, 20 digits}:{seq, 6 digits}:{id}"
func printKey(p Print) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%06d:%s", prefixPrint, p.AssetID, p.Time.UnixNano(), p.Seq, p.ID))
}

func printPrefix(assetID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPrint, assetID))
}

func timeBound(assetID string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixPrint, assetID, t.UnixNano()))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// Append writes prints atomically. The batch is not fsynced: Notify runs
// under the asset lock, and the ledger, not the journal, is the source of
// truth. Close flushes the memtable.
func (j *Journal) Append(prints []Print) error {
	if len(prints) == 0 {
		return nil
	}
	b := j.db.NewBatch()
	defer b.Close()
	for _, p := range prints {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal print: %w", err)
		}
		if err := b.Set(printKey(p), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.NoSync)
}

// Notify records the taker-side trades of a placed order.
func (j *Journal) Notify(_ context.Context, ev engine.Event) {
	if ev.Type != engine.EventOrderPlaced || len(ev.Trades) == 0 {
		return
	}
	var prints []Print
	for _, t := range ev.Trades {
		if t.OrderID != ev.Order.ID {
			continue
		}
		prints = append(prints, Print{
			ID: t.ID, Seq: len(prints), AssetID: t.AssetID, Side: t.Side,
			Price: t.Price, Quantity: t.Quantity, Time: t.CreatedAt,
		})
	}
	if err := j.Append(prints); err != nil {
		j.log.Error("journal append failed", "asset_id", ev.AssetID, "order_id", ev.Order.ID, "error", err)
	}
}

// Prints returns an asset's prints in [from, to), oldest first. A zero
// bound is open.
func (j *Journal) Prints(assetID string, from, to time.Time) ([]Print, error) {
	prefix := printPrefix(assetID)
	opts := &pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)}
	if !from.IsZero() {
		opts.LowerBound = timeBound(assetID, from)
	}
	if !to.IsZero() {
		opts.UpperBound = timeBound(assetID, to)
	}
	iter, err := j.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Print
	for iter.First(); iter.Valid(); iter.Next() {
		var p Print
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal print %q: %w", iter.Key(), err)
		}
		out = append(out, p)
	}
	return out, iter.Error()
}

// Last returns the most recent n prints for an asset, oldest first.
func (j *Journal) Last(assetID string, n int) ([]Print, error) {
	prefix := printPrefix(assetID)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Print
	for iter.Last(); iter.Valid() && len(out) < n; iter.Prev() {
		var p Print
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal print %q: %w", iter.Key(), err)
		}
		out = append(out, p)
	}
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, iter.Error()
}
