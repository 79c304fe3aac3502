// Package store persists exchange state in Pebble. Values are JSON; keys
// follow the prefix schema in keys.go. Callers serialize access, so the
// store itself holds no locks.
package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"github.com/openclearing/margincore/pkg/core/book"
	"github.com/openclearing/margincore/pkg/core/collateral"
	"github.com/openclearing/margincore/pkg/core/market"
	"github.com/openclearing/margincore/pkg/core/position"
	"github.com/openclearing/margincore/pkg/core/settlement"
)

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the Pebble database at dbPath.
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20),
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveAccount persists one collateral account.
func (s *Store) SaveAccount(acc *collateral.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.db.Set(accountKey(acc.Address), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// LoadAccounts loads every collateral account.
func (s *Store) LoadAccounts() ([]collateral.Account, error) {
	prefix := accountPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var accounts []collateral.Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc collateral.Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue // Skip invalid entries
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// SaveFund persists the insurance fund balance.
func (s *Store) SaveFund(balance int64) error {
	data, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(keyFund), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save fund balance: %w", err)
	}
	return nil
}

// LoadFund returns the insurance fund balance, zero if never saved.
func (s *Store) LoadFund() (int64, error) {
	data, closer, err := s.db.Get([]byte(keyFund))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get fund balance: %w", err)
	}
	defer closer.Close()

	var balance int64
	if err := json.Unmarshal(data, &balance); err != nil {
		return 0, fmt.Errorf("failed to unmarshal fund balance: %w", err)
	}
	return balance, nil
}

// SaveMarket persists a market definition and its lifecycle state.
func (s *Store) SaveMarket(mkt *market.Market) error {
	data, err := json.Marshal(mkt)
	if err != nil {
		return fmt.Errorf("failed to marshal market: %w", err)
	}
	if err := s.db.Set(marketKey(mkt.Symbol), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}
	return nil
}

// LoadMarkets loads every market.
func (s *Store) LoadMarkets() ([]*market.Market, error) {
	prefix := marketPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var markets []*market.Market
	for iter.First(); iter.Valid(); iter.Next() {
		var mkt market.Market
		if err := json.Unmarshal(iter.Value(), &mkt); err != nil {
			continue
		}
		markets = append(markets, &mkt)
	}
	return markets, nil
}

// SavePosition persists a position.
func (s *Store) SavePosition(pos *position.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := s.db.Set(positionKey(pos.Symbol, pos.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// LoadPositions loads every position, closed ones included.
func (s *Store) LoadPositions() ([]position.Position, error) {
	prefix := positionPrefixAll()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var positions []position.Position
	for iter.First(); iter.Valid(); iter.Next() {
		var pos position.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// SaveOrder persists an order.
func (s *Store) SaveOrder(order *book.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(order.Symbol, order.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// DeleteOrder removes an order, used when a closed order ages out.
func (s *Store) DeleteOrder(symbol, orderID string) error {
	if err := s.db.Delete(orderKey(symbol, orderID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	return nil
}

// LoadOpenOrders loads a symbol's open orders in arrival order, so replaying
// them into a fresh book reconstructs time priority.
func (s *Store) LoadOpenOrders(symbol string) ([]*book.Order, error) {
	prefix := orderPrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*book.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var order book.Order
		if err := json.Unmarshal(iter.Value(), &order); err != nil {
			continue // Skip invalid entries
		}
		if !order.IsClosed() {
			orders = append(orders, &order)
		}
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Seq != orders[j].Seq {
			return orders[i].Seq < orders[j].Seq
		}
		return orders[i].CreatedAt < orders[j].CreatedAt
	})
	return orders, nil
}

// SaveTrade persists a fill. NoSync: fills ride the next synced write.
func (s *Store) SaveTrade(fill *book.Fill) error {
	data, err := json.Marshal(fill)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	key := tradeKey(fill.Symbol, fill.Timestamp, fill.TakerOrder)
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// LoadRecentTrades loads the most recent N fills for a symbol, newest first.
func (s *Store) LoadRecentTrades(symbol string, limit int) ([]*book.Fill, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []*book.Fill
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var fill book.Fill
		if err := json.Unmarshal(iter.Value(), &fill); err != nil {
			continue
		}
		trades = append(trades, &fill)
	}
	return trades, nil
}

// SaveSettlement persists a settlement record.
func (s *Store) SaveSettlement(rec *settlement.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement: %w", err)
	}
	if err := s.db.Set(settlementKey(rec.Symbol), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	return nil
}

// LoadSettlements loads every settlement record.
func (s *Store) LoadSettlements() ([]settlement.Record, error) {
	prefix := settlementPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var recs []settlement.Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec settlement.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Batch provides atomic multi-record writes for one committed operation.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// SaveAccount adds an account save to the batch.
func (b *Batch) SaveAccount(acc *collateral.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return b.batch.Set(accountKey(acc.Address), data, nil)
}

// SaveFund adds the insurance fund balance to the batch.
func (b *Batch) SaveFund(balance int64) error {
	data, err := json.Marshal(balance)
	if err != nil {
		return err
	}
	return b.batch.Set([]byte(keyFund), data, nil)
}

// SaveMarket adds a market save to the batch.
func (b *Batch) SaveMarket(mkt *market.Market) error {
	data, err := json.Marshal(mkt)
	if err != nil {
		return err
	}
	return b.batch.Set(marketKey(mkt.Symbol), data, nil)
}

// SavePosition adds a position save to the batch.
func (b *Batch) SavePosition(pos *position.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return b.batch.Set(positionKey(pos.Symbol, pos.ID), data, nil)
}

// SaveOrder adds an order save to the batch.
func (b *Batch) SaveOrder(order *book.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return b.batch.Set(orderKey(order.Symbol, order.ID), data, nil)
}

// SaveTrade adds a fill save to the batch.
func (b *Batch) SaveTrade(fill *book.Fill) error {
	data, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	return b.batch.Set(tradeKey(fill.Symbol, fill.Timestamp, fill.TakerOrder), data, nil)
}

// SaveSettlement adds a settlement record save to the batch.
func (b *Batch) SaveSettlement(rec *settlement.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.batch.Set(settlementKey(rec.Symbol), data, nil)
}

// Commit writes the batch atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
