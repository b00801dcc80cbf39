package domain

import "time"

// Fill is one executed trade applied to the ledger. ID must be unique per
// fill (exchange trade id, or a local UUID for synthetic fills) — the
// ledger uses it to reject duplicate deliveries.
type Fill struct {
	ID        string
	TokenID   string
	Side      Side
	Price     float64
	Size      float64
	MicroAt   float64 // market micro-price at fill time, for markouts
	Timestamp time.Time
}

// SignedSize returns the position delta of the fill (+ for buys).
func (f Fill) SignedSize() float64 {
	if f.Side == SideBuy {
		return f.Size
	}
	return -f.Size
}

// Position is the current inventory state for one token. It is owned by
// the ledger and mutated only through ApplyFill; strategy code receives
// copies.
type Position struct {
	TokenID     string
	Size        float64 // signed shares, + long / - short
	AvgEntry    float64 // weighted average entry price of the open size
	RealizedPnL float64
	Fills       []Fill // bounded recent history, newest last
	UpdatedAt   time.Time
}

// Exposure returns the capital currently tied up in the position.
func (p Position) Exposure() float64 {
	size := p.Size
	if size < 0 {
		size = -size
	}
	return size * p.AvgEntry
}

// UnrealizedPnL marks the open size against the given price.
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Size == 0 || price == 0 {
		return 0
	}
	return p.Size * (price - p.AvgEntry)
}
