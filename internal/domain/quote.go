package domain

// Quote is a target two-sided quote for one token.
type Quote struct {
	TokenID  string
	BidPrice float64
	AskPrice float64
	BidSize  float64
	AskSize  float64
}

// QuoteAction is the reconciliation decision for one resting quote order
// against a freshly computed target.
type QuoteAction int

const (
	// QuoteKeep: the resting order is within one tick of the target —
	// leave it alone to preserve queue position.
	QuoteKeep QuoteAction = iota
	// QuoteReplace: cancel the resting order and place the target.
	QuoteReplace
	// QuotePlace: no resting order exists for this side.
	QuotePlace
)

func (a QuoteAction) String() string {
	switch a {
	case QuoteKeep:
		return "KEEP"
	case QuoteReplace:
		return "REPLACE"
	default:
		return "PLACE"
	}
}

// SnapToTick redondea un precio a la granularidad del instrumento.
func SnapToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	steps := float64(int64(price/tick + 0.5))
	return steps * tick
}
