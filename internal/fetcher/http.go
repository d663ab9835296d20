package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultUserAgent = "gaswatcher/1.0"

// HTTPOptions are shared by all JSON-over-HTTP adapters.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

type httpProvider struct {
	client    *http.Client
	baseURL   string
	userAgent string
}

func newHTTPProvider(opts HTTPOptions, fallbackURL string) httpProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = fallbackURL
	}

	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	return httpProvider{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		userAgent: ua,
	}
}

// getJSON issues a GET and decodes a 200 response into out. Decode failures are shape errors.
func (h httpProvider) getJSON(ctx context.Context, endpoint string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrInvalidShape, err)
	}
	return nil
}

type errorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Msg         string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Description, apiErr.Message, apiErr.Error, apiErr.Msg} {
			if msg != "" {
				return fmt.Errorf("http %d: %s", status, msg)
			}
		}
	}
	if body := strings.TrimSpace(string(payload)); body != "" {
		if len(body) > 200 {
			body = body[:200]
		}
		return fmt.Errorf("http %d: %s", status, body)
	}
	return fmt.Errorf("http %d", status)
}

// parsePositive parses a decimal string field that must be present and strictly positive.
func parsePositive(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", ErrInvalidShape, field)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidShape, field, err)
	}
	if !v.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidShape, field, raw)
	}
	return v, nil
}

// requirePositive checks an optional numeric JSON field.
func requirePositive(field string, v *decimal.Decimal) (decimal.Decimal, error) {
	if v == nil {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %s", ErrInvalidShape, field)
	}
	if !v.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidShape, field, v.String())
	}
	return *v, nil
}
