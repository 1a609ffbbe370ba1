package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/freely-hq/agentpay/internal/config"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
)

// signatureTolerance bounds how stale a signed timestamp may be before
// the webhook is treated as a replay.
const signatureTolerance = 5 * time.Minute

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

// WebhookVerifier validates Stripe's `t=...,v1=...` signature scheme
// and maps invoice lifecycle events to reconcile statuses.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(cfg config.Config) *WebhookVerifier {
	return &WebhookVerifier{secret: strings.TrimSpace(cfg.Stripe.WebhookSecret)}
}

func (v *WebhookVerifier) VerifyAndParse(body []byte, signatureHeader string, now time.Time) (*processordomain.WebhookNotification, error) {
	if v.secret == "" {
		return nil, processordomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, processordomain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, processordomain.ErrInvalidSignature
	}
	signedAt := time.Unix(ts, 0).UTC()
	if now.Sub(signedAt) > signatureTolerance || signedAt.Sub(now) > signatureTolerance {
		return nil, processordomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(body))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	verified := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, processordomain.ErrInvalidSignature
	}

	return parseNotification(body, signedAt)
}

func parseNotification(body []byte, signedAt time.Time) (*processordomain.WebhookNotification, error) {
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, processordomain.ErrUnsupportedEvent
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Data.Object.ID) == "" {
		return nil, processordomain.ErrUnsupportedEvent
	}

	var status string
	switch strings.TrimSpace(event.Type) {
	case "invoice.finalized":
		status = "open"
	case "invoice.paid", "invoice.payment_succeeded":
		status = "paid"
	case "invoice.payment_failed":
		status = "failed"
	case "invoice.voided":
		status = "void"
	default:
		return nil, processordomain.ErrUnsupportedEvent
	}

	occurredAt := signedAt
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}

	return &processordomain.WebhookNotification{
		ProviderEventID:    event.ID,
		EventType:          event.Type,
		ExternalInvoiceRef: event.Data.Object.ID,
		Status:             status,
		OccurredAt:         occurredAt,
	}, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
