package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CellTimesCell/new-lms-system1/internal/errors"
	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

// Sender delivers event batches to the ingestion endpoint. Success means
// durable acceptance of every event in the batch; any failure means none
// were accepted and the whole batch must be requeued.
type Sender interface {
	// Send delivers a batch asynchronously with respect to the session.
	Send(ctx context.Context, events []types.ActivityEvent) error

	// SendSync delivers a batch with a mechanism that can complete before
	// session teardown finishes. Best-effort: no retry is possible after.
	SendSync(events []types.ActivityEvent) error
}

// BatchRequest is the wire format for a delivered batch.
type BatchRequest struct {
	Events []types.ActivityEvent `json:"events"`
}

// HTTPSender delivers batches to POST {endpoint}/v1/events.
type HTTPSender struct {
	endpoint   string
	client     *http.Client
	syncClient *http.Client
}

// NewHTTPSender creates a sender for the given ingestion endpoint base URL.
func NewHTTPSender(endpoint string) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: deliveryTimeout},
		// The teardown path uses a short timeout so it can complete while
		// the session is being torn down.
		syncClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// Send delivers the batch using the regular client.
func (s *HTTPSender) Send(ctx context.Context, events []types.ActivityEvent) error {
	return s.post(ctx, s.client, events)
}

// SendSync delivers the batch using the short-timeout teardown client.
func (s *HTTPSender) SendSync(events []types.ActivityEvent) error {
	return s.post(context.Background(), s.syncClient, events)
}

func (s *HTTPSender) post(ctx context.Context, client *http.Client, events []types.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(BatchRequest{Events: events})
	if err != nil {
		return errors.NewDeliveryError("failed to encode batch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return errors.NewDeliveryError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.NewDeliveryError("batch delivery failed", err)
	}
	defer resp.Body.Close()

	// Partial acceptance is not defined: any non-2xx means none accepted.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewDeliveryError(fmt.Sprintf("ingestion endpoint returned %d", resp.StatusCode), nil)
	}
	return nil
}
