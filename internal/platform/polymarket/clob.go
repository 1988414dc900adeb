package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It serves book snapshots to the book coordinators and
// order status to the in-flight poller.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	creds      Credentials
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// creds may be zero when only public endpoints are used.
func NewClobClient(baseURL string, creds Credentials) *ClobClient {
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		creds: creds,
	}
}

// FetchSnapshot returns the current book of a token as a snapshot message.
func (c *ClobClient) FetchSnapshot(ctx context.Context, pair domain.TradingPair) (domain.RawBookMessage, error) {
	path := "/book?token_id=" + url.QueryEscape(string(pair))

	respBody, err := c.doRequest(ctx, http.MethodGet, path, false)
	if err != nil {
		return domain.RawBookMessage{}, fmt.Errorf("polymarket/clob: get book %s: %w", pair, err)
	}

	var book APIBook
	if err := json.Unmarshal(respBody, &book); err != nil {
		return domain.RawBookMessage{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	if book.AssetID == "" {
		book.AssetID = string(pair)
	}
	msg, err := book.ToRaw()
	if err != nil {
		return domain.RawBookMessage{}, fmt.Errorf("polymarket/clob: book %s: %w", pair, err)
	}
	return msg, nil
}

// FetchStatus retrieves a single order by its exchange id.
func (c *ClobClient) FetchStatus(ctx context.Context, o domain.TrackedOrder) (domain.OrderStatusMessage, error) {
	if o.ExchangeOrderID == "" {
		return domain.OrderStatusMessage{}, fmt.Errorf("polymarket/clob: order %s has no exchange id: %w", o.ClientOrderID, domain.ErrInvalidOrder)
	}
	path := "/data/order/" + url.PathEscape(o.ExchangeOrderID)

	respBody, err := c.doRequest(ctx, http.MethodGet, path, true)
	if err != nil {
		return domain.OrderStatusMessage{}, fmt.Errorf("polymarket/clob: get order %s: %w", o.ExchangeOrderID, err)
	}
	// The API answers an unknown order with 200 and a null body.
	if string(respBody) == "null" || len(respBody) == 0 {
		return domain.OrderStatusMessage{}, fmt.Errorf("polymarket/clob: get order %s: %w", o.ExchangeOrderID, domain.ErrNotFound)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.OrderStatusMessage{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	msg, err := apiOrder.ToStatus()
	if err != nil {
		return domain.OrderStatusMessage{}, fmt.Errorf("polymarket/clob: order %s: %w", o.ExchangeOrderID, err)
	}
	msg.ClientOrderID = o.ClientOrderID
	return msg, nil
}

// L1Signer signs the wallet-level ClobAuth headers.
type L1Signer interface {
	Address() string
	L1Headers(timestamp, nonce int64) (map[string]string, error)
}

// DeriveCredentials obtains the L2 API credentials of the wallet behind
// signer. The existing key for nonce is derived; when the wallet has none
// yet a new one is created. funder becomes the credentials' address and
// defaults to the signer address.
func (c *ClobClient) DeriveCredentials(ctx context.Context, signer L1Signer, funder string, nonce int64) (Credentials, error) {
	body, err := c.doL1Request(ctx, http.MethodGet, "/auth/derive-api-key", signer, nonce)
	if errors.Is(err, domain.ErrNotFound) {
		body, err = c.doL1Request(ctx, http.MethodPost, "/auth/api-key", signer, nonce)
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	var resp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Credentials{}, fmt.Errorf("polymarket/clob: decode api key: %w", err)
	}
	if funder == "" {
		funder = signer.Address()
	}
	creds := Credentials{Address: funder, Key: resp.APIKey, Secret: resp.Secret, Passphrase: resp.Passphrase}
	if !creds.Valid() {
		return Credentials{}, fmt.Errorf("polymarket/clob: derive api key: incomplete response: %w", domain.ErrUnauthorized)
	}
	return creds, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, optionally signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, authenticated bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if authenticated {
		if !c.creds.Valid() {
			return nil, fmt.Errorf("missing api credentials: %w", domain.ErrUnauthorized)
		}
		// The signature covers the path without the query string.
		signPath := req.URL.EscapedPath()
		for k, v := range c.creds.L2Headers(method, signPath, "") {
			req.Header.Set(k, v)
		}
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

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

func (c *ClobClient) doL1Request(ctx context.Context, method, path string, signer L1Signer, nonce int64) ([]byte, error) {
	headers, err := signer.L1Headers(time.Now().Unix(), nonce)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
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
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
