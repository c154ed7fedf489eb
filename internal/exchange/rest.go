package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// RESTClient implements Exchange against the exchange gateway's REST API.
// Every call is bounded by the HTTP client timeout. Reads and cancels get a
// fixed retry budget with exponential backoff; order placement is a single
// attempt, since its callers already run their own retry loop with a stable
// ClientRef.
type RESTClient struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	Client     *http.Client
}

// NewRESTClient creates a client with optional proxy support.
func NewRESTClient(baseURL, apiKey, proxyURL string, timeout time.Duration, maxRetries int) *RESTClient {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &RESTClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		MaxRetries: maxRetries,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (c *RESTClient) Name() string { return "rest" }

func (c *RESTClient) FetchOpenPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := c.withRetry(ctx, "fetch positions", func() error {
		return c.getJSON(ctx, c.BaseURL+"/api/v1/positions", &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) FetchBalance(ctx context.Context) (Balance, error) {
	var out Balance
	err := c.withRetry(ctx, "fetch balance", func() error {
		var raw struct {
			TotalEquity     float64 `json:"total_equity"`
			AvailableMargin float64 `json:"available_margin"`
		}
		if err := c.getJSON(ctx, c.BaseURL+"/api/v1/balance", &raw); err != nil {
			return err
		}
		out = Balance{TotalEquity: raw.TotalEquity, AvailableMargin: raw.AvailableMargin}
		return nil
	})
	return out, err
}

// PlaceOrder submits an order once. Retry policy belongs to the caller, which
// reuses the same ClientRef on each attempt; the gateway treats a repeated ref
// as the same order, so a retry after an ambiguous timeout cannot double-fill.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.ClientRef == "" {
		return "", fmt.Errorf("place order: missing client ref")
	}
	payload, err := json.Marshal(map[string]any{
		"client_ref": req.ClientRef,
		"symbol":     req.Symbol,
		"side":       req.Side,
		"reduce":     req.Reduce,
		"type":       req.Type,
		"quantity":   req.Quantity,
		"price":      req.Price,
	})
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.auth(httpReq)

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("place order: status %d, body: %s", resp.StatusCode, string(body))
	}
	var result struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	return result.OrderID, nil
}

func (c *RESTClient) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	var cancelled int
	endpoint := c.BaseURL + "/api/v1/orders/cancel-all"
	if symbol != "" {
		endpoint += "?symbol=" + url.QueryEscape(symbol)
	}
	err := c.withRetry(ctx, "cancel orders", func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		c.auth(httpReq)
		resp, err := c.Client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
		}
		var result struct {
			Cancelled int `json:"cancelled"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("decode cancel response: %w", err)
		}
		cancelled = result.Cancelled
		return nil
	})
	return cancelled, err
}

func (c *RESTClient) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	var price float64
	endpoint := fmt.Sprintf("%s/api/v1/ticker?symbol=%s", c.BaseURL, url.QueryEscape(symbol))
	err := c.withRetry(ctx, "fetch ticker", func() error {
		var result struct {
			Price float64 `json:"price"`
		}
		if err := c.getJSON(ctx, endpoint, &result); err != nil {
			return err
		}
		price = result.Price
		return nil
	})
	return price, err
}

// withRetry runs fn with exponential backoff up to the retry budget. It never
// loops forever: exhausting the budget returns the last error to the caller.
func (c *RESTClient) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for i := 0; i <= c.MaxRetries; i++ {
		if err := fn(); err != nil {
			lastErr = err
			if i == c.MaxRetries {
				break
			}
			backoff := time.Duration(1<<uint(i)) * time.Second
			log.Printf("[WARN] %s failed (attempt %d/%d): %v, retrying in %v",
				op, i+1, c.MaxRetries+1, err, backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("%s: all %d attempts exhausted: %w", op, c.MaxRetries+1, lastErr)
}

func (c *RESTClient) auth(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}

func (c *RESTClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
