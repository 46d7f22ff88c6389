package types

import "time"

// PricePoint is one day-ahead market price for a single delivery interval.
// Prices are stored at a fixed resolution (15 or 60 minutes) and are upserted
// by timestamp when the feed resends a day: last write wins.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency,omitempty"`
}

// RevenuePoint is one row of a cumulative revenue series.
type RevenuePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Revenue   float64   `json:"revenue"`
}

// RevenueSeries is a persisted revenue computation. GeneratedAt identifies the
// generation so consumers always read the latest complete result instead of a
// half-written one.
type RevenueSeries struct {
	DevID       string         `json:"devId"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Points      []RevenuePoint `json:"points"`
}
