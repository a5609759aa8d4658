package models

import (
	"strings"
	"time"
)

// CoinSnapshot is the latest known market state of a single coin.
// The coin_snapshots table holds at most one row per coin.
type CoinSnapshot struct {
	CoinID     string    `json:"coinId" gorm:"primaryKey;column:coin_id"`
	Name       string    `json:"name" gorm:"not null"`
	Symbol     string    `json:"symbol" gorm:"not null;index"`
	Price      float64   `json:"price"`
	MarketCap  float64   `json:"marketCap"`
	Change24h  float64   `json:"change24h" gorm:"column:change_24h"`
	Image      string    `json:"image,omitempty"`
	Rank       int       `json:"rank" gorm:"index"`
	CapturedAt time.Time `json:"capturedAt" gorm:"not null"`
}

// ToHistory converts the snapshot into an immutable history observation
func (c CoinSnapshot) ToHistory(captureID string) HistoryRecord {
	return HistoryRecord{
		CaptureID:  captureID,
		CoinID:     c.CoinID,
		Name:       c.Name,
		Symbol:     c.Symbol,
		Price:      c.Price,
		MarketCap:  c.MarketCap,
		Change24h:  c.Change24h,
		CapturedAt: c.CapturedAt,
	}
}

// NormalizeSymbol trims and uppercases a ticker symbol ("btc " -> "BTC")
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// CoinSortField is a column the current snapshot can be ordered by
type CoinSortField string

const (
	SortByRank      CoinSortField = "rank"
	SortByPrice     CoinSortField = "price"
	SortByMarketCap CoinSortField = "market_cap"
	SortByChange24h CoinSortField = "change_24h"
	SortByName      CoinSortField = "name"
)

// CoinQuery describes how the current snapshot should be read.
// The zero value reads every coin ordered by rank ascending.
type CoinQuery struct {
	SortBy     CoinSortField
	Descending bool
	Search     string // case-insensitive match on name or symbol
}

// ParseCoinSortField maps dashboard sort keys to a sortable column.
// Unknown or empty keys fall back to rank.
func ParseCoinSortField(field string) CoinSortField {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "price", "current_price":
		return SortByPrice
	case "market_cap", "marketcap":
		return SortByMarketCap
	case "change_24h", "change24h", "price_change_percentage_24h":
		return SortByChange24h
	case "name":
		return SortByName
	default:
		return SortByRank
	}
}
