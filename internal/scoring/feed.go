package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"PerpPilot/internal/model"
)

// Feed supplies externally computed market readings: the five factor values,
// a volatility measure, and a trend-reversal flag. Indicator math lives
// entirely behind this interface.
type Feed interface {
	Readings(ctx context.Context, symbol string) (model.FactorReadings, error)
	ATRPct(ctx context.Context, symbol string) (float64, error)
	TrendReversal(ctx context.Context, symbol string, side model.Side) (bool, error)
	Name() string
}

// RESTFeed implements Feed against the indicator service's REST API.
type RESTFeed struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewRESTFeed creates a feed client with optional proxy support.
func NewRESTFeed(baseURL, apiKey, proxyURL string) *RESTFeed {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &RESTFeed{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: transport,
		},
	}
}

func (f *RESTFeed) Name() string { return "rest-feed" }

func (f *RESTFeed) Readings(ctx context.Context, symbol string) (model.FactorReadings, error) {
	var r model.FactorReadings
	endpoint := fmt.Sprintf("%s/api/v1/factors?symbol=%s", f.BaseURL, url.QueryEscape(symbol))
	if err := f.getJSON(ctx, endpoint, &r); err != nil {
		return r, fmt.Errorf("fetch factor readings: %w", err)
	}
	return r, nil
}

func (f *RESTFeed) ATRPct(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		ATRPct float64 `json:"atr_pct"`
	}
	endpoint := fmt.Sprintf("%s/api/v1/volatility?symbol=%s", f.BaseURL, url.QueryEscape(symbol))
	if err := f.getJSON(ctx, endpoint, &result); err != nil {
		return 0, fmt.Errorf("fetch atr: %w", err)
	}
	return result.ATRPct, nil
}

func (f *RESTFeed) TrendReversal(ctx context.Context, symbol string, side model.Side) (bool, error) {
	var result struct {
		Reversal bool `json:"reversal"`
	}
	endpoint := fmt.Sprintf("%s/api/v1/trend?symbol=%s&side=%s",
		f.BaseURL, url.QueryEscape(symbol), url.QueryEscape(string(side)))
	if err := f.getJSON(ctx, endpoint, &result); err != nil {
		return false, fmt.Errorf("fetch trend: %w", err)
	}
	return result.Reversal, nil
}

func (f *RESTFeed) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}
	resp, err := f.Client.Do(req)
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

// StaticFeed returns fixed values; used in tests and paper runs without an
// indicator service.
type StaticFeed struct {
	Factors  model.FactorReadings
	ATR      float64
	Reversal bool
}

func (s *StaticFeed) Name() string { return "static" }

func (s *StaticFeed) Readings(_ context.Context, _ string) (model.FactorReadings, error) {
	return s.Factors, nil
}

func (s *StaticFeed) ATRPct(_ context.Context, _ string) (float64, error) {
	return s.ATR, nil
}

func (s *StaticFeed) TrendReversal(_ context.Context, _ string, _ model.Side) (bool, error) {
	return s.Reversal, nil
}
