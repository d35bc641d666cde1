// Package notify dispatches one-time codes out-of-band. Real email/SMS
// delivery is an external collaborator; the implementations here cover
// development and tests.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/CapTomas/Proofo-sub003/pkg/domain"
)

type Notifier interface {
	SendCode(ctx context.Context, channel domain.Channel, destination, code string) error
}

// Dev logs dispatches instead of sending them. The destination is masked;
// the code is logged so a developer can complete the flow locally.
type Dev struct{ Log *zap.Logger }

func (d *Dev) SendCode(ctx context.Context, channel domain.Channel, destination, code string) error {
	d.Log.Info("otp dispatch",
		zap.String("channel", string(channel)),
		zap.String("destination", domain.MaskDestination(channel, destination)),
		zap.String("code", code),
	)
	return nil
}

// Capture records dispatched codes for test harnesses.
type Capture struct {
	mu   sync.Mutex
	sent []Sent
}

type Sent struct {
	Channel     domain.Channel
	Destination string
	Code        string
}

func (c *Capture) SendCode(ctx context.Context, channel domain.Channel, destination, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{Channel: channel, Destination: destination, Code: code})
	return nil
}

func (c *Capture) LastCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1].Code
}

func (c *Capture) All() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}
