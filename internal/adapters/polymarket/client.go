package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultCLOBBase = "https://clob.polymarket.com"
	defaultWSBase   = "wss://ws-subscriptions-clob.polymarket.com/ws"

	// Rate limits al 60% de los límites reales documentados.
	// CLOB /books: 500/10s → 300/10s → 30/s
	booksRatePerSec = 30
	// CLOB general (orders, balance, etc.): 9000/10s → 5400/10s → 540/s
	generalRatePerSec = 540

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client es el HTTP client de Polymarket con rate limiting y retries.
type Client struct {
	http         *http.Client
	clobBase     string
	wsBase       string
	signer       RequestSigner
	clobLimiter  *rate.Limiter
	booksLimiter *rate.Limiter
}

// RequestSigner produce payloads de orden firmados y headers de auth L2.
// La gestión de claves y el firmado EIP-712 viven fuera del core: el
// adapter solo adjunta lo que el signer le entrega.
type RequestSigner interface {
	// SignOrder construye el body JSON firmado para POST /order.
	SignOrder(tokenID, side string, price, size float64, tif string) (any, error)
	// AuthHeaders devuelve los headers L2 para un request autenticado.
	AuthHeaders(method, path string, body []byte) (map[string]string, error)
	// WSCredentials devuelve las credenciales para el user channel del WS.
	WSCredentials() (apiKey, secret, passphrase string)
}

// NewClient crea un Client. Si clobBase o wsBase están vacíos usa los URLs
// de producción. signer puede ser nil para un cliente de solo lectura.
func NewClient(clobBase, wsBase string, signer RequestSigner) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	if wsBase == "" {
		wsBase = defaultWSBase
	}
	return &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		clobBase:     clobBase,
		wsBase:       wsBase,
		signer:       signer,
		clobLimiter:  rate.NewLimiter(generalRatePerSec, 50),
		booksLimiter: rate.NewLimiter(booksRatePerSec, 5),
	}
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, path string, authed bool, out any) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.clobBase+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if authed {
			if err := c.attachAuth(req, http.MethodGet, path, nil); err != nil {
				return nil, err
			}
		}
		return c.http.Do(req)
	}, out)
}

// post hace un POST JSON con rate limiting y retries.
func (c *Client) post(ctx context.Context, limiter *rate.Limiter, path string, authed bool, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.clobBase+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if authed {
			if err := c.attachAuth(req, http.MethodPost, path, b); err != nil {
				return nil, err
			}
		}
		return c.http.Do(req)
	}, out)
}

// del hace un DELETE JSON autenticado (cancelación de órdenes).
func (c *Client) del(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.doWithRetry(ctx, c.clobLimiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.clobBase+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if err := c.attachAuth(req, http.MethodDelete, path, b); err != nil {
			return nil, err
		}
		return c.http.Do(req)
	}, out)
}

func (c *Client) attachAuth(req *http.Request, method, path string, body []byte) error {
	if c.signer == nil {
		return fmt.Errorf("authenticated endpoint %s requires a signer", path)
	}
	headers, err := c.signer.AuthHeaders(method, path, body)
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return nil
}

// doWithRetry ejecuta la función con backoff exponencial.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("rate limited by API", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
