// Package pipeline handles one inbound chat message end to end:
// upsert contact, admission, record, reply, send.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/roelfdiedericks/topaibot/internal/admission"
	"github.com/roelfdiedericks/topaibot/internal/contact"
	"github.com/roelfdiedericks/topaibot/internal/dispatch"
	. "github.com/roelfdiedericks/topaibot/internal/logging"
	. "github.com/roelfdiedericks/topaibot/internal/metrics"
)

// Fixed user-visible texts.
const (
	ThrottleText  = "Você atingiu o limite de interações por hora. Tente novamente mais tarde."
	DuplicateText = "Você já perguntou isso recentemente. Posso ajudar com outra coisa?"
	ApologyText   = "Desculpe, ocorreu um erro ao processar sua mensagem. Tente novamente mais tarde."
)

// DefaultTypingDelay is how long "composing" is shown before replying.
const DefaultTypingDelay = 3 * time.Second

// ErrTransportSend wraps a failed outbound send. The message is not retried.
var ErrTransportSend = errors.New("transport send failed")

// Presence is the chat state shown to the recipient.
type Presence int

const (
	PresenceComposing Presence = iota
	PresencePaused
)

func (p Presence) String() string {
	if p == PresenceComposing {
		return "composing"
	}
	return "paused"
}

// Transport is the outbound side of the messaging channel.
type Transport interface {
	SendText(ctx context.Context, recipient, text string) error
	SetPresence(ctx context.Context, recipient string, p Presence) error
}

// Inbound is a received message, already stripped of transport details.
type Inbound struct {
	ChatID   string // where replies go
	Sender   string // raw sender identifier (JID or phone)
	PushName string
	Text     string
	FromMe   bool
	IsGroup  bool
}

// Contacts is the write side of the interaction store.
type Contacts interface {
	UpsertContact(ctx context.Context, phone, name string) (int64, error)
	AppendInteraction(ctx context.Context, phone, text, intent string) error
}

// Admitter decides whether a message is processed.
type Admitter interface {
	Admit(ctx context.Context, contactID, text string) (admission.Decision, error)
}

// Replier classifies and answers admitted messages.
type Replier interface {
	Classify(text string) dispatch.Route
	ResolveReply(ctx context.Context, contactID, rawText string) (string, error)
}

// Config holds handler behaviour.
type Config struct {
	TypingDelay time.Duration // negative = none, zero = DefaultTypingDelay
	Normalizer  contact.Normalizer
}

// Handler processes inbound messages. Safe for concurrent use when its
// collaborators are.
type Handler struct {
	contacts  Contacts
	admitter  Admitter
	replier   Replier
	transport Transport
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option customizes a Handler.
type Option func(*Handler)

// WithSleep replaces the typing-delay wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(h *Handler) { h.sleep = sleep }
}

// NewHandler wires a handler.
func NewHandler(contacts Contacts, admitter Admitter, replier Replier, transport Transport, cfg Config, opts ...Option) *Handler {
	if cfg.TypingDelay == 0 {
		cfg.TypingDelay = DefaultTypingDelay
	}
	h := &Handler{
		contacts:  contacts,
		admitter:  admitter,
		replier:   replier,
		transport: transport,
		cfg:       cfg,
		sleep:     sleepContext,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle processes one message to completion. It never panics; the returned
// error is informational (invalid contact, send failure).
func (h *Handler) Handle(ctx context.Context, in Inbound) (err error) {
	start := time.Now()
	replied := false

	defer func() {
		if r := recover(); r != nil {
			L_error("pipeline: panic handling message", "chat", in.ChatID, "panic", r, "stack", string(debug.Stack()))
			MetricFailWithReason("pipeline", "handle", "panic")
			if !replied {
				_ = h.transport.SendText(ctx, in.ChatID, ApologyText)
			}
			err = fmt.Errorf("panic handling message: %v", r)
		}
		MetricDuration("pipeline", "handle", time.Since(start))
	}()

	if in.FromMe || in.IsGroup || strings.TrimSpace(in.Text) == "" {
		MetricOutcome("pipeline", "inbound", "ignored")
		return nil
	}
	MetricInc("pipeline", "messages")

	phone, err := h.cfg.Normalizer.Normalize(in.Sender)
	if err != nil {
		L_warn("pipeline: dropping message from invalid sender", "sender", in.Sender, "error", err)
		MetricOutcome("pipeline", "inbound", "invalid_contact")
		return err
	}

	if _, err := h.contacts.UpsertContact(ctx, phone, in.PushName); err != nil {
		L_error("pipeline: contact upsert failed, continuing", "contact", phone, "error", err)
		MetricFailWithReason("pipeline", "upsert", "store")
	}

	decision, err := h.admitter.Admit(ctx, phone, in.Text)
	if err != nil {
		L_warn("pipeline: admission rejected contact", "contact", phone, "error", err)
		return err
	}

	switch decision {
	case admission.Throttle:
		replied = true
		return h.send(ctx, in.ChatID, ThrottleText)
	case admission.Duplicate:
		replied = true
		return h.send(ctx, in.ChatID, DuplicateText)
	}

	route := h.replier.Classify(in.Text)
	if err := h.contacts.AppendInteraction(ctx, phone, in.Text, route.Intent()); err != nil {
		L_error("pipeline: recording interaction failed, continuing", "contact", phone, "error", err)
		MetricFailWithReason("pipeline", "record", "store")
	}

	h.presence(ctx, in.ChatID, PresenceComposing)
	if h.cfg.TypingDelay > 0 {
		if err := h.sleep(ctx, h.cfg.TypingDelay); err != nil {
			return err
		}
	}

	reply, err := h.replier.ResolveReply(ctx, phone, in.Text)
	if err != nil {
		L_error("pipeline: reply failed, sending apology", "contact", phone, "intent", route.Intent(), "error", err)
		MetricFailWithReason("pipeline", "reply", "resolve")
		reply = ApologyText
	}

	replied = true
	sendErr := h.send(ctx, in.ChatID, reply)
	h.presence(ctx, in.ChatID, PresencePaused)
	if sendErr == nil {
		L_info("pipeline: replied", "contact", phone, "intent", route.Intent(), "elapsed", time.Since(start).Round(time.Millisecond))
	}
	return sendErr
}

func (h *Handler) send(ctx context.Context, chat, text string) error {
	if err := h.transport.SendText(ctx, chat, text); err != nil {
		L_error("pipeline: send failed, message lost", "chat", chat, "error", err)
		MetricFail("pipeline", "send")
		return fmt.Errorf("%w: %w", ErrTransportSend, err)
	}
	MetricSuccess("pipeline", "send")
	return nil
}

func (h *Handler) presence(ctx context.Context, chat string, p Presence) {
	if err := h.transport.SetPresence(ctx, chat, p); err != nil {
		L_debug("pipeline: presence update failed", "chat", chat, "presence", p, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
