package upstream

import (
	"context"

	"github.com/uo277440/go-notify-backend/internal/domain"
)

// Ack is the provider's acknowledgement of a delivered notification.
type Ack struct {
	Status     string `json:"status"`
	ProviderID string `json:"provider_id"`
}

// Notify delivers a validated intent through the notification provider and
// returns its acknowledgement.
func (c *Client) Notify(ctx context.Context, intent domain.Intent) (*Ack, error) {
	payload := map[string]string{
		"to":      intent.To,
		"message": intent.Message,
		"type":    intent.Type,
	}

	var ack Ack
	if err := c.postJSON(ctx, "notify", "/v1/notify", c.notifyTimeout, payload, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}
