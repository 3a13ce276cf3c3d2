package alerts

import (
	"context"
	"log"
	"time"

	"github.com/terminal-bench/gridtrust/pkg/messaging"
)

// Publisher forwards flagged-for-review notifications onto the event fabric.
// It implements the reading store's AlertSink.
type Publisher struct {
	msgClient *messaging.Client
}

// NewPublisher creates an alert publisher.
func NewPublisher(msgClient *messaging.Client) *Publisher {
	return &Publisher{msgClient: msgClient}
}

// NotifyFlagged publishes a high-severity reading for review. Delivery is
// best effort; the submission that triggered it has already been accepted.
func (p *Publisher) NotifyFlagged(ctx context.Context, deviceID string, sequence uint64, score int, reasons []string) {
	if p.msgClient == nil {
		return
	}

	err := p.msgClient.Publish(ctx, messaging.EventTypeReadingFlagged, messaging.FlaggedEvent{
		DeviceID:        deviceID,
		Sequence:        sequence,
		SuspiciousScore: score,
		Reasons:         reasons,
		FlaggedAt:       time.Now(),
	})
	if err != nil {
		log.Printf("Failed to publish flagged reading %s/%d: %v", deviceID, sequence, err)
	}
}
