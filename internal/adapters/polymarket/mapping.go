package polymarket

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

// mapMarket convierte un clobMarket DTO a domain.Market.
func mapMarket(r clobMarket) domain.Market {
	m := domain.Market{
		ConditionID: r.ConditionID,
		Question:    r.Question,
		Active:      r.Active,
		Closed:      r.Closed,
	}

	if fee, err := r.MakerBaseFee.Float64(); err == nil {
		m.MakerBaseFee = fee
	}
	if tick, err := r.MinimumTickSize.Float64(); err == nil {
		m.TickSize = tick
	}

	if r.EndDateISO != "" {
		// Polymarket usa varios formatos; intentamos los más comunes
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05.000Z",
			"2006-01-02T15:04:05Z",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, r.EndDateISO); err == nil {
				m.EndDate = t.UTC()
				break
			}
		}
	}

	for i, t := range r.Tokens {
		if i >= 2 {
			break
		}
		m.Tokens[i] = domain.Token{
			TokenID: t.TokenID,
			Outcome: t.Outcome,
		}
	}

	return m
}

// mapOrderBooks convierte la respuesta batch de /books a un map tokenID→OrderBook.
func mapOrderBooks(raw []orderBookResponse) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		result[r.AssetID] = domain.OrderBook{
			TokenID: r.AssetID,
			Bids:    mapBookEntries(r.Bids, false),
			Asks:    mapBookEntries(r.Asks, true),
		}
	}
	return result
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}

// mapOpenOrder convierte la respuesta de GET /data/order/{id} a domain.Order.
func mapOpenOrder(o clobOpenOrder) domain.Order {
	size := parseFloat(o.OriginalSize)
	filled := parseFloat(o.SizeMatched)

	// Estados del CLOB: LIVE, MATCHED, DELAYED, UNMATCHED, CANCELED.
	status := domain.OrderOpen
	switch strings.ToUpper(o.Status) {
	case "MATCHED":
		if filled+1e-9 >= size {
			status = domain.OrderFilled
		} else {
			status = domain.OrderPartial
		}
	case "CANCELED", "CANCELLED":
		status = domain.OrderCancelled
	case "UNMATCHED", "INVALID":
		status = domain.OrderFailed
	default:
		if filled > 0 && filled < size {
			status = domain.OrderPartial
		}
	}

	return domain.Order{
		ExchangeID: o.ID,
		TokenID:    o.AssetID,
		Side:       domain.Side(strings.ToUpper(o.Side)),
		Price:      parseFloat(o.Price),
		Size:       size,
		FilledSize: filled,
		Status:     status,
	}
}

// mapTrade convierte un wsTradeMsg del user channel a domain.FillEvent.
func mapTrade(t wsTradeMsg, receivedAt time.Time) domain.FillEvent {
	return domain.FillEvent{
		TradeID:    t.ID,
		OrderID:    t.TakerOrderID,
		TokenID:    t.AssetID,
		Side:       domain.Side(strings.ToUpper(t.Side)),
		Price:      parseFloat(t.Price),
		Size:       parseFloat(t.Size),
		ReceivedAt: receivedAt,
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
