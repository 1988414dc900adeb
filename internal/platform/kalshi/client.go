package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Signer produces the RSA-PSS authentication headers shared by the REST
// API and the WebSocket handshake.
type Signer struct {
	apiKeyID   string
	privateKey *rsa.PrivateKey
}

// NewSigner loads an RSA private key from PEM-encoded bytes.
func NewSigner(apiKeyID string, pemBytes []byte) (*Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("kalshi: no PEM block found in private key")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS1 as fallback.
		pkcs1Key, pkcs1Err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if pkcs1Err != nil {
			return nil, fmt.Errorf("kalshi: parse private key: %w (pkcs1: %v)", err, pkcs1Err)
		}
		return &Signer{apiKeyID: apiKeyID, privateKey: pkcs1Key}, nil
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: expected RSA private key, got %T", key)
	}
	return &Signer{apiKeyID: apiKeyID, privateKey: rsaKey}, nil
}

// Headers returns the authentication headers for method and path. Kalshi
// uses RSA-PSS-SHA256 signatures over timestamp + method + path, where
// path excludes the query string.
func (s *Signer) Headers(method, path string) (http.Header, error) {
	if s == nil || s.privateKey == nil {
		return nil, fmt.Errorf("kalshi: RSA private key not configured: %w", domain.ErrUnauthorized)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	hash := sha256.Sum256([]byte(ts + method + path))
	signature, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, hash[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("RSA sign: %w", err)
	}

	h := http.Header{}
	h.Set("KALSHI-ACCESS-KEY", s.apiKeyID)
	h.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(signature))
	h.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	return h, nil
}

// Client is the REST client for the Kalshi exchange API. It serves order
// status to the in-flight poller.
type Client struct {
	baseURL    string
	signer     *Signer
	httpClient *http.Client
}

// NewClient creates a new Kalshi REST client.
//
// baseURL is the API root, e.g. "https://api.elections.kalshi.com/trade-api/v2".
func NewClient(baseURL string, signer *Signer) *Client {
	return &Client{
		baseURL: baseURL,
		signer:  signer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// FetchStatus returns the order's status together with every fill the
// exchange has recorded for it.
func (c *Client) FetchStatus(ctx context.Context, o domain.TrackedOrder) (domain.OrderStatusMessage, error) {
	if o.ExchangeOrderID == "" {
		return domain.OrderStatusMessage{}, fmt.Errorf("kalshi: order %s has no exchange id: %w", o.ClientOrderID, domain.ErrInvalidOrder)
	}

	order, err := c.GetOrder(ctx, o.ExchangeOrderID)
	if err != nil {
		return domain.OrderStatusMessage{}, err
	}
	fills, err := c.GetFills(ctx, o.ExchangeOrderID)
	if err != nil {
		return domain.OrderStatusMessage{}, err
	}

	msg := domain.OrderStatusMessage{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: order.OrderID,
		TradingPair:     domain.TradingPair(order.Ticker),
		Status:          order.Status,
		Fills:           make([]domain.Fill, 0, len(fills)),
		Timestamp:       time.Now().UTC(),
	}
	var listed int64
	for i := range fills {
		msg.Fills = append(msg.Fills, fills[i].ToFill())
		listed += fills[i].Count
	}
	// The fills endpoint can lag the order. Holding back the terminal
	// status keeps order_completed from carrying partial totals; the next
	// poll picks it up.
	if order.Status == "executed" && listed < order.filled() {
		msg.Status = "resting"
	}
	return msg, nil
}

// GetOrder returns a single order by its exchange id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (KalshiOrder, error) {
	path := fmt.Sprintf("/portfolio/orders/%s", url.PathEscape(orderID))

	body, err := c.doSignedRequest(ctx, http.MethodGet, path)
	if err != nil {
		return KalshiOrder{}, fmt.Errorf("kalshi: get order %s: %w", orderID, err)
	}

	var resp struct {
		Order KalshiOrder `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return KalshiOrder{}, fmt.Errorf("kalshi: decode order: %w", err)
	}
	return resp.Order, nil
}

// GetFills returns all fills of one order, following the cursor.
func (c *Client) GetFills(ctx context.Context, orderID string) ([]KalshiFill, error) {
	var all []KalshiFill
	cursor := ""
	for {
		params := url.Values{}
		params.Set("order_id", orderID)
		params.Set("limit", "200")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		body, err := c.doSignedRequest(ctx, http.MethodGet, "/portfolio/fills?"+params.Encode())
		if err != nil {
			return nil, fmt.Errorf("kalshi: get fills %s: %w", orderID, err)
		}

		var resp struct {
			Fills  []KalshiFill `json:"fills"`
			Cursor string       `json:"cursor"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("kalshi: decode fills: %w", err)
		}
		all = append(all, resp.Fills...)
		if resp.Cursor == "" || len(resp.Fills) == 0 {
			return all, nil
		}
		cursor = resp.Cursor
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSignedRequest builds, signs (RSA), sends, and reads an HTTP request
// against the Kalshi API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	// The signature covers the full URL path without the query.
	headers, err := c.signer.Headers(method, req.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr KalshiErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	detail := fmt.Sprintf("%s (%s)", apiErr.Error.Message, apiErr.Error.Code)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, detail)
	default:
		return fmt.Errorf("kalshi: HTTP %d: %s", statusCode, detail)
	}
}
