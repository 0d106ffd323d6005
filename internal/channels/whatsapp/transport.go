package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	. "github.com/roelfdiedericks/topaibot/internal/logging"
	"github.com/roelfdiedericks/topaibot/internal/pipeline"
)

const maxWhatsAppMessage = 65536

// SendText sends text to recipient (a JID or bare phone number), split into
// chunks that fit the WhatsApp limit.
func (b *Bot) SendText(ctx context.Context, recipient, text string) error {
	jid, err := recipientJID(recipient)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(FormatMessage(text), maxWhatsAppMessage) {
		if _, err := b.client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(chunk),
		}); err != nil {
			return fmt.Errorf("whatsapp: send to %s: %w", jid, err)
		}
	}
	return nil
}

// SetPresence shows or clears the typing indicator in recipient's chat.
func (b *Bot) SetPresence(ctx context.Context, recipient string, p pipeline.Presence) error {
	jid, err := recipientJID(recipient)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if p == pipeline.PresenceComposing {
		if err := b.client.SubscribePresence(ctx, jid); err != nil {
			L_trace("whatsapp: presence subscribe failed", "jid", jid, "error", err)
		}
		state = types.ChatPresenceComposing
	}
	return b.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// inboundFromEvent extracts the text message carried by evt. ok is false for
// messages without text.
func inboundFromEvent(evt *events.Message) (pipeline.Inbound, bool) {
	msg := evt.Message
	text := ""
	if msg.GetConversation() != "" {
		text = msg.GetConversation()
	} else if msg.GetExtendedTextMessage() != nil {
		text = msg.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return pipeline.Inbound{}, false
	}

	// With LID addressing Sender is a LID (e.g. 249786758348836@lid) and
	// SenderAlt carries the phone number.
	sender := evt.Info.Sender
	if sender.Server == types.HiddenUserServer && !evt.Info.SenderAlt.IsEmpty() {
		sender = evt.Info.SenderAlt
	}

	return pipeline.Inbound{
		ChatID:   evt.Info.Chat.String(),
		Sender:   sender.User,
		PushName: evt.Info.PushName,
		Text:     text,
		FromMe:   evt.Info.IsFromMe,
		IsGroup:  evt.Info.IsGroup,
	}, true
}

// recipientJID accepts "258841234567@s.whatsapp.net" or a bare number.
func recipientJID(recipient string) (types.JID, error) {
	if recipient == "" {
		return types.EmptyJID, fmt.Errorf("whatsapp: empty recipient")
	}
	if strings.Contains(recipient, "@") {
		jid, err := types.ParseJID(recipient)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("whatsapp: bad recipient %q: %w", recipient, err)
		}
		return jid, nil
	}
	return phoneToJID(recipient), nil
}

// phoneToJID converts a phone number string to a WhatsApp JID
func phoneToJID(phone string) types.JID {
	return types.NewJID(phone, types.DefaultUserServer)
}

// splitMessage splits a message into chunks that fit the WhatsApp limit
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		end := maxLen
		if end > len(text) {
			end = len(text)
		}
		// Prefer a newline in the second half of the chunk
		if end < len(text) {
			if idx := strings.LastIndex(text[:end], "\n"); idx > end/2 {
				end = idx + 1
			}
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
