package domain

import "time"

// MarketSnapshot is the latest known top-of-book state for one token.
// It is replaced wholesale on every feed message; readers never see a
// partially updated snapshot.
type MarketSnapshot struct {
	TokenID    string
	BestBid    BookEntry
	BestAsk    BookEntry
	MicroPrice float64
	Seq        uint64 // local monotonic counter, one per applied message
	UpdatedAt  time.Time
}

// Staleness returns the elapsed time since the snapshot was last updated.
func (s MarketSnapshot) Staleness(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

// Mid returns the arithmetic midpoint of the snapshot.
func (s MarketSnapshot) Mid() float64 {
	if s.BestBid.Price == 0 || s.BestAsk.Price == 0 {
		return 0
	}
	return (s.BestBid.Price + s.BestAsk.Price) / 2
}

// BookEventKind distingue los payloads del feed.
type BookEventKind int

const (
	BookEventDelta BookEventKind = iota
	BookEventSnapshot
)

// BookEvent is one parsed message from the streaming book feed.
// Full snapshots carry the whole book; deltas carry only top-of-book.
type BookEvent struct {
	Kind       BookEventKind
	TokenID    string
	Book       OrderBook
	ReceivedAt time.Time
}

// FillEvent is one parsed fill notification from the user feed.
type FillEvent struct {
	TradeID    string
	OrderID    string
	TokenID    string
	Side       Side
	Price      float64
	Size       float64
	ReceivedAt time.Time
}
