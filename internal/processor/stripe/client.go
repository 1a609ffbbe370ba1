package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/freely-hq/agentpay/internal/config"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.stripe.com"
	requestTimeout = 15 * time.Second
)

// Client reports invoices to Stripe. All write calls carry an
// Idempotency-Key so replays after unknown outcomes are safe.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.Stripe.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.Stripe.APIKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.Named("processor.stripe"),
	}
}

type invoiceResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) ReportInvoice(ctx context.Context, req processordomain.ReportRequest) (*processordomain.ReportResult, error) {
	form := url.Values{}
	form.Set("customer", req.CustomerRef)
	form.Set("currency", req.Currency)
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("metadata[invoice_id]", req.InvoiceID.String())
	form.Set("metadata[subscription_id]", req.SubscriptionID.String())
	form.Set("metadata[period_start]", req.PeriodStart.UTC().Format(time.RFC3339))
	form.Set("metadata[period_end]", req.PeriodEnd.UTC().Format(time.RFC3339))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/invoices", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var decoded invoiceResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode stripe response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if decoded.ID == "" {
			return nil, fmt.Errorf("stripe response missing invoice id")
		}
		return &processordomain.ReportResult{ExternalInvoiceRef: decoded.ID}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := ""
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		c.log.Warn("stripe rejected invoice",
			zap.Int("status", resp.StatusCode),
			zap.String("invoice_id", req.InvoiceID.String()),
			zap.String("message", msg),
		)
		return nil, fmt.Errorf("%w: %s", processordomain.ErrProcessorRejected, msg)
	default:
		return nil, fmt.Errorf("stripe returned status %d", resp.StatusCode)
	}
}
