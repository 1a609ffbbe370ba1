package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	processordomain "github.com/freely-hq/agentpay/internal/processor/domain"
	"github.com/freely-hq/agentpay/pkg/db/pagination"
)

var (
	// ErrEventAlreadyProcessed marks a webhook delivery retry; the
	// handler acks it without reprocessing.
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrDeadLetterNotFound    = errors.New("dead_letter_not_found")
)

type ListDeadLettersRequest struct {
	pagination.Pagination
}

type Service interface {
	// IngestWebhook persists a verified notification for asynchronous
	// processing. A duplicate (provider, provider_event_id) returns
	// ErrEventAlreadyProcessed.
	IngestWebhook(ctx context.Context, provider string, notification *processordomain.WebhookNotification, payload []byte) (*ProviderEvent, error)

	// ProcessPending applies received notifications to invoices in
	// event order. Returns the number of events processed.
	ProcessPending(ctx context.Context, batchSize int) (int, error)

	ListDeadLetters(ctx context.Context, req ListDeadLettersRequest) ([]DeadLetter, pagination.PageInfo, error)

	// RetryDeadLetter requeues a dead-lettered notification for one
	// more processing pass.
	RetryDeadLetter(ctx context.Context, id snowflake.ID) error
}
