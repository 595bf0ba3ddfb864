// Package dispatch performs the side-effecting call for one delivery task.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
)

// Dispatcher delivers one task payload to its route. Implementations must
// respect ctx deadlines; a breached deadline counts as a delivery failure.
type Dispatcher interface {
	Dispatch(ctx context.Context, task deliverydomain.DeliveryTask, route deliverydomain.Route) error
}

type httpDispatcher struct {
	client *http.Client
}

// NewHTTP builds the webhook dispatcher. Per-attempt timeouts come from the
// worker's context, not the client.
func NewHTTP() Dispatcher {
	return &httpDispatcher{client: &http.Client{}}
}

func (d *httpDispatcher) Dispatch(ctx context.Context, task deliverydomain.DeliveryTask, route deliverydomain.Route) error {
	body, err := json.Marshal(map[string]any{
		"task_id":  task.ID,
		"event_id": task.EventID.String(),
		"route":    route.Name,
		"attempt":  task.Attempts + 1,
		"payload":  task.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The task id doubles as a delivery-side idempotency key; receivers must
	// tolerate at-least-once redelivery.
	req.Header.Set("X-Delivery-Id", task.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("delivery to %s failed with status %d", route.Name, resp.StatusCode)
}
