package ledgergw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AIFMgroup/AIFM-sub013/workflow"
)

// Client talks to the external general-ledger API. The remote system is
// at-least-once: a request may be applied server-side even when its response
// never arrives, so every create carries the job reference as an
// Idempotency-Key header and the server deduplicates on it.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClient(apiKey string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("LEDGER_API_BASE_URL is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("LEDGER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("ledger api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("LEDGER_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type supplierRecord struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type supplierListResponse struct {
	Data []supplierRecord `json:"data"`
}

type createResponse struct {
	Id string `json:"id"`
}

// FindOrCreateSupplier looks the supplier up by exact name and creates it
// when absent. The lookup-then-create race is tolerated: the remote API
// dedupes suppliers on name.
func (c *Client) FindOrCreateSupplier(ctx context.Context, name string) (workflow.SupplierRef, error) {
	params := url.Values{}
	params.Set("name", name)

	var list supplierListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/suppliers", params, nil, "", &list); err != nil {
		return workflow.SupplierRef{}, err
	}
	for _, s := range list.Data {
		if strings.EqualFold(s.Name, name) {
			return workflow.SupplierRef{Id: s.Id, Name: s.Name}, nil
		}
	}

	var created supplierRecord
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/v1/suppliers", nil, body, "supplier:"+name, &created); err != nil {
		return workflow.SupplierRef{}, err
	}
	return workflow.SupplierRef{Id: created.Id, Name: created.Name}, nil
}

func (c *Client) CreateSupplierInvoice(ctx context.Context, payload *workflow.SupplierInvoicePayload) (string, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/v1/supplier-invoices", nil, payload, payload.Reference, &resp); err != nil {
		return "", err
	}
	return resp.Id, nil
}

func (c *Client) CreateVoucher(ctx context.Context, payload *workflow.VoucherPayload) (string, error) {
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/v1/vouchers", nil, payload, payload.Reference, &resp); err != nil {
		return "", err
	}
	return resp.Id, nil
}

// do issues one rate-limited request and maps the response to the pipeline
// error taxonomy: network failures, 429 and 5xx are retriable, other 4xx are
// permanent rejects.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}, idempotencyKey string, out interface{}) error {
	<-c.limiter

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &workflow.TransientGatewayError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("ledger api %s %s: decode response: %w", method, path, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &workflow.TransientGatewayError{
			Op:  method + " " + path,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	default:
		return workflow.NewValidationError("gateway-reject",
			fmt.Sprintf("ledger api %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw))))
	}
}
