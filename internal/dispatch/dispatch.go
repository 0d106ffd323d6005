// Package dispatch turns an admitted message into a reply: fixed menu
// options, the payment-confirmation shortcut, or a free-form completion.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/roelfdiedericks/topaibot/internal/llm"
	. "github.com/roelfdiedericks/topaibot/internal/logging"
	. "github.com/roelfdiedericks/topaibot/internal/metrics"
)

// PaidText answers "já paguei" / "paguei" without calling the provider.
const PaidText = "Envie o comprovante da transferência bancária com seu contacto para confirmação."

// DefaultSystemPrompt is the TOPAI NET_GIGAS persona sent as the leading turn.
const DefaultSystemPrompt = `Você é o Topai Bot 🤖, assistente inteligente e profissional do serviço de internet TOPAI NET_GIGAS.

Seu objetivo é ajudar o cliente a entender e comprar pacotes de internet, com respostas:
- Curtas, diretas e no estilo WhatsApp,
- Sempre úteis e focadas na solução do cliente,
- Sem exageros, emojis excessivos ou textos longos.

---

🔹 MENU DE OPÇÕES (responda com o número correspondente para orientar o cliente):

1️⃣ Tabela de Pacotes de Internet
2️⃣ Pacotes de Netflix (informações básicas)
3️⃣ Entrar no Grupo Oficial do TOPAI NET_GIGAS
4️⃣ Obter Chatbot Assistente
5️⃣ Falar com o Responsável / Meu Chefe
`

// menuOptions are the accepted menu tokens.
const menuOptions = 5

// paidPhrases are compared after folding case and accents.
var paidPhrases = []string{"ja paguei", "paguei"}

// RouteKind says which path a message takes.
type RouteKind int

const (
	RouteFreeText RouteKind = iota
	RouteMenu
	RoutePaid
)

// Route is the classification of one message.
type Route struct {
	Kind   RouteKind
	Option int    // 1..5 for RouteMenu
	Text   string // trimmed text for RouteFreeText
}

// Intent is the tag stored with the recorded interaction.
func (r Route) Intent() string {
	switch r.Kind {
	case RouteMenu:
		return fmt.Sprintf("menu:%d", r.Option)
	case RoutePaid:
		return "paid"
	default:
		return "free_text"
	}
}

// MenuMarker is the user turn sent for a menu selection.
func MenuMarker(option int) string {
	return fmt.Sprintf("%d - Cliente selecionou a opção %d", option, option)
}

// Completer is the part of the completion gateway the dispatcher uses.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (*llm.Result, error)
}

// Config configures a Dispatcher.
type Config struct {
	SystemPrompt string // empty = DefaultSystemPrompt
	// AdvanceOnServe moves Cursor forward after every reply a model produced.
	AdvanceOnServe bool
	Cursor         *llm.RotationCursor
}

// Dispatcher resolves replies for admitted messages. It never touches the
// interaction store.
type Dispatcher struct {
	gateway Completer
	prompt  string
	cfg     Config
}

// New creates a Dispatcher.
func New(gateway Completer, cfg Config) *Dispatcher {
	prompt := cfg.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt
	}
	return &Dispatcher{gateway: gateway, prompt: prompt, cfg: cfg}
}

// Classify routes text without side effects.
func (d *Dispatcher) Classify(text string) Route {
	trimmed := strings.TrimSpace(text)
	lowered := strings.ToLower(trimmed)

	if len(lowered) == 1 && lowered[0] >= '1' && lowered[0] < '1'+menuOptions {
		return Route{Kind: RouteMenu, Option: int(lowered[0] - '0')}
	}

	folded := foldAccents(lowered)
	for _, p := range paidPhrases {
		if folded == p {
			return Route{Kind: RoutePaid}
		}
	}
	return Route{Kind: RouteFreeText, Text: trimmed}
}

// ResolveReply produces the reply text for an admitted message. Gateway
// errors are returned to the caller, which owns the apology text.
func (d *Dispatcher) ResolveReply(ctx context.Context, contactID, rawText string) (string, error) {
	route := d.Classify(rawText)
	MetricOutcome("dispatch", "route", route.Intent())

	var user string
	switch route.Kind {
	case RoutePaid:
		L_debug("dispatch: payment shortcut", "contact", contactID)
		return PaidText, nil
	case RouteMenu:
		user = MenuMarker(route.Option)
	default:
		user = route.Text
	}

	res, err := d.gateway.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: d.prompt},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return "", fmt.Errorf("resolve reply for %s: %w", contactID, err)
	}

	if d.cfg.AdvanceOnServe && d.cfg.Cursor != nil && !res.Degraded {
		d.cfg.Cursor.Advance()
	}
	L_debug("dispatch: reply resolved", "contact", contactID, "intent", route.Intent(), "model", res.Model, "attempts", len(res.Attempts), "degraded", res.Degraded)
	return res.Text, nil
}

// foldAccents strips combining marks, so "já" compares equal to "ja".
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
