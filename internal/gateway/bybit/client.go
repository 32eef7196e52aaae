// Package bybit implements the exchange adapter against the Bybit v5 REST API.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
)

const (
	mainnetBaseURL = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"

	recvWindow     = "5000"
	defaultTimeout = 15 * time.Second
)

// Client wraps the signed Bybit v5 REST calls the adapter needs.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	secret     string
	normalizer exerr.Normalizer
}

// NewClient constructs a client bound to one credential set.
func NewClient(baseURL string, creds exchange.Credentials, timeout time.Duration) (*Client, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		raw = mainnetBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 bybit base url 失败: %w", err)
	}
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.Secret) == "" {
		return nil, fmt.Errorf("bybit 凭证不能为空")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     strings.TrimSpace(creds.APIKey),
		secret:     strings.TrimSpace(creds.Secret),
		normalizer: exerr.ForExchange("bybit"),
	}, nil
}

// get issues a signed GET. Query values are signed as the raw query string.
func (c *Client) get(ctx context.Context, path string, query url.Values, nctx exerr.Context) (gjson.Result, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, nctx)
}

// post issues a signed POST with a JSON body.
func (c *Client) post(ctx context.Context, path string, body any, nctx exerr.Context) (gjson.Result, error) {
	return c.do(ctx, http.MethodPost, path, nil, body, nctx)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, nctx exerr.Context) (gjson.Result, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path

	var payload string
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("序列化请求失败: %w", err)
		}
		payload = string(buf)
		reqBody = bytes.NewReader(buf)
	} else if query != nil {
		payload = query.Encode()
		endpoint.RawQuery = payload
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reqBody)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("构造请求失败: %w", err)
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(ts+c.apiKey+recvWindow+payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, exerr.FromTransport("bybit", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, exerr.FromTransport("bybit", err)
	}

	parsed := gjson.ParseBytes(raw)
	retCode := parsed.Get("retCode").Int()
	if resp.StatusCode >= 400 || retCode != 0 {
		res := c.normalizer.Normalize(string(raw), nctx)
		if !res.IsError {
			// Matched a known non-error such as "leverage not modified".
			return parsed.Get("result"), nil
		}
		return gjson.Result{}, &exerr.DomainError{
			Exchange: "bybit",
			Kind:     res.Kind,
			Message:  res.Message,
			Raw:      string(raw),
			Terminal: res.Kind != exerr.KindNetwork,
		}
	}
	return parsed.Get("result"), nil
}

func (c *Client) sign(input string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}
