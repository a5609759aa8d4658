package models

import (
	"time"
)

// HistoryRecord is an append-only price observation for one coin.
// Rows written by the same capture share a CaptureID.
type HistoryRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	CaptureID  string    `json:"captureId" gorm:"index;size:36"`
	CoinID     string    `json:"coinId" gorm:"not null;index:idx_history_coin_time,priority:1"`
	Name       string    `json:"name"`
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	MarketCap  float64   `json:"marketCap"`
	Change24h  float64   `json:"change24h" gorm:"column:change_24h"`
	CapturedAt time.Time `json:"capturedAt" gorm:"not null;index:idx_history_coin_time,priority:2"`
}

// HistoryResponse is the API payload for a coin's time series
type HistoryResponse struct {
	Success bool            `json:"success"`
	Data    []HistoryRecord `json:"data"`
	CoinID  string          `json:"coinId"`
	Days    int             `json:"days"`
}
