package polymarket

// stream.go — WebSocket streams del CLOB (market y user channels).
//
// Cada StreamBook/StreamFills representa UNA conexión: el canal devuelto se
// cierra cuando la conexión muere por cualquier motivo. La reconexión con
// backoff es responsabilidad del consumidor (el feed del cache), no de este
// adapter.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	marketChannelPath = "/market"
	userChannelPath   = "/user"

	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 30 * time.Second
	wsPingInterval     = 10 * time.Second
	bookEventBuffer    = 256
)

// StreamBook abre el market channel para los tokens dados y devuelve un
// canal de eventos de book. Los price_change se aplican sobre el último
// snapshot conocido del token, así el consumidor siempre recibe books
// completos.
func (c *Client) StreamBook(ctx context.Context, tokenIDs []string) (<-chan domain.BookEvent, error) {
	if len(tokenIDs) == 0 {
		return nil, fmt.Errorf("polymarket.StreamBook: no token IDs")
	}

	conn, err := c.dialWS(ctx, marketChannelPath)
	if err != nil {
		return nil, fmt.Errorf("polymarket.StreamBook: %w", err)
	}

	sub := wsSubscribeMsg{Type: "market", AssetsIDs: tokenIDs}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("polymarket.StreamBook: subscribe: %w", err)
	}

	out := make(chan domain.BookEvent, bookEventBuffer)
	go c.readBookLoop(ctx, conn, out)

	slog.Info("market channel connected", "tokens", len(tokenIDs))
	return out, nil
}

// StreamFills abre el user channel autenticado y devuelve los fills propios.
func (c *Client) StreamFills(ctx context.Context) (<-chan domain.FillEvent, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("polymarket.StreamFills: client has no signer")
	}

	conn, err := c.dialWS(ctx, userChannelPath)
	if err != nil {
		return nil, fmt.Errorf("polymarket.StreamFills: %w", err)
	}

	key, secret, passphrase := c.signer.WSCredentials()
	sub := wsSubscribeMsg{
		Type: "user",
		Auth: &wsAuthBody{APIKey: key, Secret: secret, Passphrase: passphrase},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("polymarket.StreamFills: subscribe: %w", err)
	}

	out := make(chan domain.FillEvent, bookEventBuffer)
	go c.readFillLoop(ctx, conn, out)

	slog.Info("user channel connected")
	return out, nil
}

func (c *Client) dialWS(ctx context.Context, channelPath string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.wsBase+channelPath, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", channelPath, err)
	}
	return conn, nil
}

// readBookLoop lee mensajes hasta que la conexión muere y cierra out.
func (c *Client) readBookLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.BookEvent) {
	defer close(out)
	defer conn.Close()

	stopPing := startPingLoop(ctx, conn)
	defer stopPing()

	// Último book completo por token, para aplicar deltas encima.
	books := make(map[string]*domain.OrderBook)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("market channel closed", "err", err)
			}
			return
		}

		for _, msg := range splitWSMessages(raw) {
			ev, ok := c.decodeBookMsg(msg, books)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// decodeBookMsg decodifica un evento del market channel. Devuelve false si
// el mensaje no produce un book event (PONG, tipos desconocidos, deltas
// sobre tokens sin snapshot previo).
func (c *Client) decodeBookMsg(raw []byte, books map[string]*domain.OrderBook) (domain.BookEvent, bool) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.BookEvent{}, false
	}

	now := time.Now().UTC()

	switch env.EventType {
	case "book":
		var msg wsBookMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("bad book message", "err", err)
			return domain.BookEvent{}, false
		}
		book := domain.OrderBook{
			TokenID: msg.AssetID,
			Bids:    mapBookEntries(msg.Bids, false),
			Asks:    mapBookEntries(msg.Asks, true),
		}
		books[msg.AssetID] = &book
		return domain.BookEvent{
			Kind:       domain.BookEventSnapshot,
			TokenID:    msg.AssetID,
			Book:       book,
			ReceivedAt: now,
		}, true

	case "price_change":
		var msg wsPriceChangeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("bad price_change message", "err", err)
			return domain.BookEvent{}, false
		}
		book, ok := books[msg.AssetID]
		if !ok {
			// Delta sin snapshot previo: no hay book sobre el que aplicarlo.
			return domain.BookEvent{}, false
		}
		for _, ch := range msg.Changes {
			applyLevelChange(book, ch)
		}
		return domain.BookEvent{
			Kind:       domain.BookEventDelta,
			TokenID:    msg.AssetID,
			Book:       *book,
			ReceivedAt: now,
		}, true

	default:
		return domain.BookEvent{}, false
	}
}

// applyLevelChange actualiza un nivel de precio in place. Size 0 lo elimina.
func applyLevelChange(book *domain.OrderBook, ch wsLevelChange) {
	price, _ := strconv.ParseFloat(ch.Price, 64)
	size, _ := strconv.ParseFloat(ch.Size, 64)
	if price <= 0 {
		return
	}

	levels := &book.Bids
	if ch.Side == "SELL" {
		levels = &book.Asks
	}

	for i := range *levels {
		if (*levels)[i].Price == price {
			if size <= 0 {
				*levels = append((*levels)[:i], (*levels)[i+1:]...)
			} else {
				(*levels)[i].Size = size
			}
			return
		}
	}

	if size <= 0 {
		return
	}

	// Nivel nuevo: insertar manteniendo el orden (bids desc, asks asc).
	entry := domain.BookEntry{Price: price, Size: size}
	pos := len(*levels)
	for i := range *levels {
		better := (*levels)[i].Price < price
		if ch.Side == "SELL" {
			better = (*levels)[i].Price > price
		}
		if better {
			pos = i
			break
		}
	}
	*levels = append(*levels, domain.BookEntry{})
	copy((*levels)[pos+1:], (*levels)[pos:])
	(*levels)[pos] = entry
}

// readFillLoop lee trades del user channel hasta que la conexión muere.
func (c *Client) readFillLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.FillEvent) {
	defer close(out)
	defer conn.Close()

	stopPing := startPingLoop(ctx, conn)
	defer stopPing()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("user channel closed", "err", err)
			}
			return
		}

		for _, msg := range splitWSMessages(raw) {
			var env wsEnvelope
			if err := json.Unmarshal(msg, &env); err != nil || env.EventType != "trade" {
				continue
			}
			var trade wsTradeMsg
			if err := json.Unmarshal(msg, &trade); err != nil {
				slog.Warn("bad trade message", "err", err)
				continue
			}
			select {
			case out <- mapTrade(trade, time.Now().UTC()):
			case <-ctx.Done():
				return
			}
		}
	}
}

// splitWSMessages maneja que el CLOB a veces manda arrays de eventos y a
// veces objetos sueltos.
func splitWSMessages(raw []byte) [][]byte {
	trimmed := raw
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return [][]byte{raw}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return [][]byte{raw}
	}
	msgs := make([][]byte, len(items))
	for i, it := range items {
		msgs[i] = it
	}
	return msgs
}

// startPingLoop manda PINGs periódicos; el CLOB cierra conexiones mudas.
func startPingLoop(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, []byte("PING"), deadline); err != nil {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}
