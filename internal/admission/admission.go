// Package admission decides whether an inbound message is processed at all,
// based on the sender's recent interaction history.
package admission

import (
	"context"
	"strings"
	"time"

	"github.com/roelfdiedericks/topaibot/internal/contact"
	. "github.com/roelfdiedericks/topaibot/internal/logging"
	. "github.com/roelfdiedericks/topaibot/internal/metrics"
	"github.com/roelfdiedericks/topaibot/internal/store"
)

// Decision is the outcome of Admit.
type Decision int

const (
	Allow Decision = iota
	Throttle
	Duplicate
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// History is the read side of the interaction store the controller needs.
type History interface {
	RecentInteractions(ctx context.Context, phone string, limit int) ([]store.Interaction, error)
	CountInteractionsSince(ctx context.Context, phone string, since time.Time) (int, error)
}

// Limits configures throttling and repetition detection.
type Limits struct {
	MaxPerWindow    int           // interactions allowed per Window before THROTTLE
	Window          time.Duration // trailing throttle window
	DuplicateWindow time.Duration // identical text inside this window is a DUPLICATE
	RecentLimit     int           // how many recent records are compared
}

// DefaultLimits returns 50 per hour, 30 minute repetition window over the
// last 5 records.
func DefaultLimits() Limits {
	return Limits{
		MaxPerWindow:    50,
		Window:          time.Hour,
		DuplicateWindow: 1800 * time.Second,
		RecentLimit:     5,
	}
}

// Controller evaluates admission against a History. It never writes.
type Controller struct {
	history    History
	limits     Limits
	normalizer contact.Normalizer
	now        func() time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithNormalizer sets the phone normalizer (country code handling).
func WithNormalizer(n contact.Normalizer) Option {
	return func(c *Controller) { c.normalizer = n }
}

// New creates a controller. Zero-valued limit fields take the defaults.
func New(history History, limits Limits, opts ...Option) *Controller {
	def := DefaultLimits()
	if limits.MaxPerWindow <= 0 {
		limits.MaxPerWindow = def.MaxPerWindow
	}
	if limits.Window <= 0 {
		limits.Window = def.Window
	}
	if limits.DuplicateWindow <= 0 {
		limits.DuplicateWindow = def.DuplicateWindow
	}
	if limits.RecentLimit <= 0 {
		limits.RecentLimit = def.RecentLimit
	}

	c := &Controller{
		history: history,
		limits:  limits,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Limits returns the effective limits.
func (c *Controller) Limits() Limits {
	return c.limits
}

// Admit returns Allow, Throttle or Duplicate for a message. The only error
// is contact.ErrInvalidContact; store failures fail open.
func (c *Controller) Admit(ctx context.Context, contactID, text string) (Decision, error) {
	phone, err := c.normalizer.Normalize(contactID)
	if err != nil {
		MetricOutcome("admission", "decision", "invalid_contact")
		return Allow, err
	}

	now := c.now()

	if c.throttled(ctx, phone, now) {
		L_info("admission: hourly limit reached", "contact", phone, "limit", c.limits.MaxPerWindow)
		MetricOutcome("admission", "decision", Throttle.String())
		return Throttle, nil
	}

	if c.repeated(ctx, phone, text, now) {
		L_info("admission: repeated message", "contact", phone, "text", text)
		MetricOutcome("admission", "decision", Duplicate.String())
		return Duplicate, nil
	}

	MetricOutcome("admission", "decision", Allow.String())
	return Allow, nil
}

func (c *Controller) throttled(ctx context.Context, phone string, now time.Time) bool {
	total, err := c.history.CountInteractionsSince(ctx, phone, now.Add(-c.limits.Window))
	if err != nil {
		L_error("admission: throttle check failed, allowing", "contact", phone, "error", err)
		MetricFailWithReason("admission", "store", "count")
		return false
	}
	return total >= c.limits.MaxPerWindow
}

func (c *Controller) repeated(ctx context.Context, phone, text string, now time.Time) bool {
	recent, err := c.history.RecentInteractions(ctx, phone, c.limits.RecentLimit)
	if err != nil {
		L_error("admission: repetition check failed, allowing", "contact", phone, "error", err)
		MetricFailWithReason("admission", "store", "recent")
		return false
	}

	want := strings.TrimSpace(text)
	window := int64(c.limits.DuplicateWindow / time.Second)
	for _, rec := range recent {
		if strings.TrimSpace(rec.Text) != want {
			continue
		}
		if now.Unix()-rec.CreatedAt.Unix() <= window {
			return true
		}
	}
	return false
}
