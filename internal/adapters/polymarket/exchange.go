package polymarket

// exchange.go — order placement y cuenta via CLOB API autenticada.
//
// Implementa ports.ExchangeClient. El firmado EIP-712 lo delega en el
// RequestSigner inyectado: este adapter solo envuelve el payload firmado
// y lo envía con los headers L2.

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	orderPath     = "/order"
	orderDataPath = "/data/order/"
	balancePath   = "/balance-allowance?asset_type=COLLATERAL"
)

// SubmitOrder firma y envía una limit order al CLOB. Devuelve la shadow
// copy local con el ID asignado por el exchange.
func (c *Client) SubmitOrder(ctx context.Context, leg domain.Leg, tif domain.TimeInForce) (domain.Order, error) {
	if c.signer == nil {
		return domain.Order{}, fmt.Errorf("polymarket.SubmitOrder: client has no signer")
	}

	signed, err := c.signer.SignOrder(leg.TokenID, string(leg.Side), leg.Price, leg.Size, string(tif))
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket.SubmitOrder: sign: %w", err)
	}

	apiKey, _, _ := c.signer.WSCredentials()
	orderType := "GTC"
	if tif == domain.TIFImmediateOrCancel {
		orderType = "FAK" // el CLOB llama FAK a las IOC parciales
	}

	body := clobOrderRequest{
		Order:     signed,
		Owner:     apiKey,
		OrderType: orderType,
	}

	var resp clobOrderResponse
	if err := c.post(ctx, c.clobLimiter, orderPath, true, body, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket.SubmitOrder: post: %w", err)
	}

	if !resp.Success || resp.ErrorMsg != "" {
		return domain.Order{}, fmt.Errorf("polymarket.SubmitOrder: clob rejected: %s", resp.ErrorMsg)
	}

	order := domain.Order{
		ID:         uuid.New().String(),
		ExchangeID: resp.OrderID,
		TokenID:    leg.TokenID,
		Side:       leg.Side,
		Price:      leg.Price,
		Size:       leg.Size,
		TIF:        tif,
		Status:     mapAckStatus(resp.Status),
		PlacedAt:   time.Now().UTC(),
	}

	slog.Debug("order submitted",
		"token", truncID(leg.TokenID),
		"side", leg.Side,
		"price", leg.Price,
		"size", leg.Size,
		"order_id", resp.OrderID,
		"status", order.Status,
	)
	return order, nil
}

// CancelOrder cancela una orden por su exchange ID.
func (c *Client) CancelOrder(ctx context.Context, exchangeID string) error {
	body := clobCancelRequest{OrderID: exchangeID}
	if err := c.del(ctx, orderPath, body, nil); err != nil {
		return fmt.Errorf("polymarket.CancelOrder %s: %w", exchangeID, err)
	}
	return nil
}

// OrderStatus consulta el estado actual de una orden en el CLOB.
func (c *Client) OrderStatus(ctx context.Context, exchangeID string) (domain.Order, error) {
	var resp clobOpenOrder
	if err := c.get(ctx, c.clobLimiter, orderDataPath+exchangeID, true, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket.OrderStatus %s: %w", exchangeID, err)
	}
	return mapOpenOrder(resp), nil
}

// GetBalance devuelve el balance USDC.e disponible en el CLOB en unidades
// enteras (la API lo devuelve en micro-USDC).
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	var resp clobBalanceResponse
	if err := c.get(ctx, c.clobLimiter, balancePath, true, &resp); err != nil {
		return 0, fmt.Errorf("polymarket.GetBalance: %w", err)
	}

	micro, err := strconv.ParseFloat(resp.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket.GetBalance: parse %q: %w", resp.Balance, err)
	}
	return micro / 1e6, nil
}

// mapAckStatus mapea el status del ACK de POST /order al dominio.
func mapAckStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "matched":
		return domain.OrderFilled
	case "live":
		return domain.OrderOpen
	case "delayed", "":
		return domain.OrderPending
	default:
		return domain.OrderOpen
	}
}

func truncID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
