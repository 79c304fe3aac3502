package store

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based so each record family supports cheap range
// scans, with zero-padded timestamps where lexicographic order must match
// time order.
const (
	prefixAccount    = "acc:"    // collateral account state
	prefixPosition   = "pos:"    // position state, keyed by position ID
	prefixOrder      = "ord:"    // resting order state
	prefixTrade      = "trade:"  // fill history
	prefixMarket     = "mkt:"    // market definition and lifecycle state
	prefixSettlement = "settle:" // settlement records
	keyFund          = "fund"    // insurance fund balance
)

// accountKey formats "acc:{address}".
func accountKey(addr common.Address) []byte {
	return []byte(prefixAccount + addr.Hex())
}

// positionKey formats "pos:{symbol}:{positionID}" so all positions in a
// market share a prefix for liquidation-sweep reloads.
func positionKey(symbol, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, symbol, id))
}

func positionPrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPosition, symbol))
}

func positionPrefixAll() []byte {
	return []byte(prefixPosition)
}

// orderKey formats "ord:{symbol}:{orderID}".
func orderKey(symbol, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, symbol, orderID))
}

func orderPrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, symbol))
}

// tradeKey formats "trade:{symbol}:{timestamp}:{takerOrderID}". The
// timestamp is zero-padded to 20 digits so iteration order is time order.
func tradeKey(symbol string, timestamp int64, takerOrderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, symbol, timestamp, takerOrderID))
}

func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

func marketKey(symbol string) []byte {
	return []byte(prefixMarket + symbol)
}

func marketPrefix() []byte {
	return []byte(prefixMarket)
}

func settlementKey(symbol string) []byte {
	return []byte(prefixSettlement + symbol)
}

func settlementPrefix() []byte {
	return []byte(prefixSettlement)
}

func accountPrefix() []byte {
	return []byte(prefixAccount)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan by
// incrementing the last byte of the prefix.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
