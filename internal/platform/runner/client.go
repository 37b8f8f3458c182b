package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/domain"
	"github.com/conveyorhq/conveyor/internal/platform/logger"
)

// Submission failure classes. The dispatcher logs the class and decides
// whether to re-enqueue or fail the task.
var (
	// ErrValidationRejected means the platform rejected the payload; the
	// same submission will never succeed.
	ErrValidationRejected = errors.New("platform rejected submission")

	// ErrQuotaExceeded means the platform is over its quota for this
	// tenant; the task stays queued for a later tick.
	ErrQuotaExceeded = errors.New("platform quota exceeded")

	// ErrPlatformUnavailable covers timeouts and 5xx responses.
	ErrPlatformUnavailable = errors.New("platform unavailable")
)

// SubmissionRequest is the work handed to the execution platform for one
// dispatch attempt.
type SubmissionRequest struct {
	TaskID         uuid.UUID               `json:"task_id"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Payload        json.RawMessage         `json:"payload"`
	Resources      domain.ResourceEstimate `json:"resources"`
	CallbackURL    string                  `json:"callback_url"`
}

// SubmissionAck is the platform's acknowledgment of an accepted
// submission.
type SubmissionAck struct {
	JobID        uuid.UUID `json:"job_id"`
	CostEstimate float64   `json:"cost_estimate"`
}

// Client submits work to the execution platform.
type Client interface {
	// Submit asks the platform to run the task attempt. The idempotency
	// key makes a retried submission return the original acknowledgment
	// rather than starting duplicate work.
	Submit(ctx context.Context, req SubmissionRequest) (*SubmissionAck, error)
}

// RestyClient is the HTTP implementation of Client.
type RestyClient struct {
	http *resty.Client
}

// Ensure RestyClient implements Client.
var _ Client = (*RestyClient)(nil)

// NewClient creates the platform client from configuration. Transient
// HTTP failures are not retried here; the dispatcher owns the backoff
// discipline so one policy covers timeouts, 5xx and network faults alike.
func NewClient(cfg config.PlatformConfig) *RestyClient {
	c := resty.New()
	c.SetBaseURL(cfg.BaseURL)
	c.SetTimeout(cfg.SubmitTimeout)
	c.SetHeader("User-Agent", "conveyor")
	return &RestyClient{http: c}
}

// Submit performs one submission against the platform's job endpoint.
func (c *RestyClient) Submit(ctx context.Context, req SubmissionRequest) (*SubmissionAck, error) {
	log := logger.FromContext(ctx)

	var ack SubmissionAck
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&ack).
		Post("/v1/jobs")
	if err != nil {
		log.Warn("platform submission failed",
			"task_id", req.TaskID,
			"error", err)
		return nil, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}

	switch {
	case resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices:
		if ack.JobID == uuid.Nil {
			return nil, fmt.Errorf("%w: acknowledgment missing job id", ErrPlatformUnavailable)
		}
		return &ack, nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrQuotaExceeded, resp.StatusCode())
	case resp.StatusCode() >= http.StatusBadRequest && resp.StatusCode() < http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrValidationRejected, resp.StatusCode())
	default:
		return nil, fmt.Errorf("%w: status %d", ErrPlatformUnavailable, resp.StatusCode())
	}
}

// ClassifyError names the failure class for structured logs.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, ErrValidationRejected):
		return "validation"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	default:
		return "transient"
	}
}
