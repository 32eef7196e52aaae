// Package bingx implements the exchange adapter against the BingX swap v2
// REST API.
package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"mirra/internal/exerr"
	"mirra/internal/gateway/exchange"
)

const (
	mainnetBaseURL = "https://open-api.bingx.com"
	demoBaseURL    = "https://open-api-vst.bingx.com"

	defaultTimeout = 15 * time.Second
)

// Client wraps the signed BingX REST calls the adapter needs. BingX signs the
// sorted query string with HMAC-SHA256; the API key travels in a header.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	secret     string
	normalizer exerr.Normalizer
}

func NewClient(baseURL string, creds exchange.Credentials, timeout time.Duration) (*Client, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		raw = mainnetBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析 bingx base url 失败: %w", err)
	}
	if strings.TrimSpace(creds.APIKey) == "" || strings.TrimSpace(creds.Secret) == "" {
		return nil, fmt.Errorf("bingx 凭证不能为空")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     strings.TrimSpace(creds.APIKey),
		secret:     strings.TrimSpace(creds.Secret),
		normalizer: exerr.ForExchange("bingx"),
	}, nil
}

// do issues a signed request. All parameters travel in the query string
// regardless of method; that is how BingX expects the signature input.
func (c *Client) do(ctx context.Context, method, path string, params map[string]string, nctx exerr.Context) (gjson.Result, error) {
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	queryString := strings.Join(pairs, "&")

	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(queryString))
	signature := hex.EncodeToString(mac.Sum(nil))

	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + path
	endpoint.RawQuery = queryString + "&signature=" + signature

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("X-BX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, exerr.FromTransport("bingx", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, exerr.FromTransport("bingx", err)
	}

	parsed := gjson.ParseBytes(raw)
	code := parsed.Get("code").Int()
	if resp.StatusCode >= 400 || code != 0 {
		res := c.normalizer.Normalize(string(raw), nctx)
		if !res.IsError {
			return parsed.Get("data"), nil
		}
		return gjson.Result{}, &exerr.DomainError{
			Exchange: "bingx",
			Kind:     res.Kind,
			Message:  res.Message,
			Raw:      string(raw),
			Terminal: res.Kind != exerr.KindNetwork,
		}
	}
	return parsed.Get("data"), nil
}
