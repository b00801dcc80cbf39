package domain

// OrderBook representa el libro de órdenes de un token.
type OrderBook struct {
	TokenID string
	Bids    []BookEntry // ordenados mayor a menor precio
	Asks    []BookEntry // ordenados menor a mayor precio
}

// BookEntry es un nivel de precio en el orderbook.
type BookEntry struct {
	Price float64
	Size  float64
}

// BestBid devuelve el mejor precio de compra (mayor bid).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestBid() BookEntry {
	if len(ob.Bids) == 0 {
		return BookEntry{}
	}
	return ob.Bids[0]
}

// BestAsk devuelve el mejor precio de venta (menor ask).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestAsk() BookEntry {
	if len(ob.Asks) == 0 {
		return BookEntry{}
	}
	return ob.Asks[0]
}

// Midpoint devuelve el punto medio entre best bid y best ask.
func (ob OrderBook) Midpoint() float64 {
	bid := ob.BestBid().Price
	ask := ob.BestAsk().Price
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// MicroPrice calcula el precio micro ponderado por tamaño:
// (bidSize·askPrice + askSize·bidPrice) / (bidSize + askSize).
// Si ambos tamaños son cero cae al midpoint aritmético.
func MicroPrice(bid, ask BookEntry) float64 {
	if bid.Price == 0 || ask.Price == 0 {
		return 0
	}
	total := bid.Size + ask.Size
	if total == 0 {
		return (bid.Price + ask.Price) / 2
	}
	return (bid.Size*ask.Price + ask.Size*bid.Price) / total
}
