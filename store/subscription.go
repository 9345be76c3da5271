package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionOptions are the per-loop settings every registration is built from
type SubscriptionOptions struct {
	Service        string // Notification service the registration names
	Queue          string // Queue invalidations are delivered to
	Database       string // Logical database carried in the options string
	TimeoutSeconds int    // Store-side registration lifetime
}

// Options renders the registration options string
func (o SubscriptionOptions) Options() string {
	return fmt.Sprintf("Service=%s;local database=%s", o.Service, o.Database)
}

// Validate checks the options can produce a usable registration
func (o SubscriptionOptions) Validate() error {
	if o.Queue == "" {
		return fmt.Errorf("subscription queue is required")
	}
	if o.TimeoutSeconds < 1 {
		return fmt.Errorf("subscription timeout must be >= 1 second, got %d", o.TimeoutSeconds)
	}
	return nil
}

// Subscription is one notification registration.
// A new one is built for every fetch and never attached to a second command.
type Subscription struct {
	CorrelationToken string
	TimeoutSeconds   int
	ServiceEndpoint  string
	QueueName        string
	Options          string
}

// NewSubscription builds a registration with a fresh random 128-bit token
func NewSubscription(opts SubscriptionOptions) *Subscription {
	return &Subscription{
		CorrelationToken: uuid.NewString(),
		TimeoutSeconds:   opts.TimeoutSeconds,
		ServiceEndpoint:  opts.Service,
		QueueName:        opts.Queue,
		Options:          opts.Options(),
	}
}

// Timeout returns the registration lifetime
func (s *Subscription) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Command is the reusable query object. The notification loop owns it and
// re-executes it every cycle; Notification must be cleared between uses.
type Command struct {
	Text         string
	Args         []interface{}
	Notification *Subscription
}

// NewCommand creates a command without a registration attached
func NewCommand(text string, args ...interface{}) *Command {
	return &Command{Text: text, Args: args}
}

// ClearNotification detaches any registration and returns it
func (c *Command) ClearNotification() *Subscription {
	prior := c.Notification
	c.Notification = nil
	return prior
}
