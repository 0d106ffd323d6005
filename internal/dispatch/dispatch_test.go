package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/roelfdiedericks/topaibot/internal/llm"
)

type fakeGateway struct {
	calls [][]llm.Message
	res   *llm.Result
	err   error
}

func (f *fakeGateway) Complete(_ context.Context, messages []llm.Message) (*llm.Result, error) {
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &llm.Result{Text: "generated", Model: "m"}, nil
}

func TestClassify(t *testing.T) {
	d := New(&fakeGateway{}, Config{})
	tests := []struct {
		in     string
		kind   RouteKind
		option int
		intent string
	}{
		{"1", RouteMenu, 1, "menu:1"},
		{" 3 ", RouteMenu, 3, "menu:3"},
		{"5", RouteMenu, 5, "menu:5"},
		{"6", RouteFreeText, 0, "free_text"},
		{"0", RouteFreeText, 0, "free_text"},
		{"13", RouteFreeText, 0, "free_text"},
		{"paguei", RoutePaid, 0, "paid"},
		{" PAGUEI\n", RoutePaid, 0, "paid"},
		{"já paguei", RoutePaid, 0, "paid"},
		{"JÁ PAGUEI", RoutePaid, 0, "paid"},
		{"ja paguei", RoutePaid, 0, "paid"},
		{"já paguei ontem", RouteFreeText, 0, "free_text"},
		{"Olá, quanto custa?", RouteFreeText, 0, "free_text"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r := d.Classify(tt.in)
			if r.Kind != tt.kind || r.Option != tt.option || r.Intent() != tt.intent {
				t.Errorf("Classify(%q) = %+v intent %q", tt.in, r, r.Intent())
			}
		})
	}
}

func TestMenuTokenSendsMarkerNotText(t *testing.T) {
	gw := &fakeGateway{}
	d := New(gw, Config{})

	reply, err := d.ResolveReply(context.Background(), "258841234567", "3")
	if err != nil {
		t.Fatalf("ResolveReply: %v", err)
	}
	if reply != "generated" {
		t.Errorf("reply = %q", reply)
	}
	if len(gw.calls) != 1 {
		t.Fatalf("gateway calls = %d", len(gw.calls))
	}
	msgs := gw.calls[0]
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[0].Content != DefaultSystemPrompt {
		t.Fatalf("system turn missing: %+v", msgs)
	}
	if msgs[1].Content != "3 - Cliente selecionou a opção 3" {
		t.Errorf("user turn = %q, want menu marker", msgs[1].Content)
	}
}

func TestPaidShortCircuits(t *testing.T) {
	for _, in := range []string{"paguei", "  Paguei ", " JÁ PAGUEI "} {
		gw := &fakeGateway{}
		d := New(gw, Config{})
		reply, err := d.ResolveReply(context.Background(), "258841234567", in)
		if err != nil {
			t.Fatalf("ResolveReply(%q): %v", in, err)
		}
		if reply != PaidText {
			t.Errorf("reply = %q", reply)
		}
		if len(gw.calls) != 0 {
			t.Errorf("%q called the gateway %d times", in, len(gw.calls))
		}
	}
}

func TestFreeTextForwardsTrimmedText(t *testing.T) {
	gw := &fakeGateway{}
	d := New(gw, Config{SystemPrompt: "custom persona"})

	if _, err := d.ResolveReply(context.Background(), "258841234567", "  Olá, quanto custa?  "); err != nil {
		t.Fatal(err)
	}
	msgs := gw.calls[0]
	if msgs[0].Content != "custom persona" {
		t.Errorf("system = %q", msgs[0].Content)
	}
	if msgs[1].Role != llm.RoleUser || msgs[1].Content != "Olá, quanto custa?" {
		t.Errorf("user turn = %+v", msgs[1])
	}
}

func TestGatewayErrorPropagates(t *testing.T) {
	gw := &fakeGateway{err: llm.ErrAllProvidersExhausted}
	d := New(gw, Config{})
	if _, err := d.ResolveReply(context.Background(), "258841234567", "oi"); !errors.Is(err, llm.ErrAllProvidersExhausted) {
		t.Fatalf("err = %v", err)
	}
}

func TestAdvanceOnServe(t *testing.T) {
	cursor := llm.NewRotationCursor(3)

	d := New(&fakeGateway{}, Config{AdvanceOnServe: true, Cursor: cursor})
	if _, err := d.ResolveReply(context.Background(), "1", "oi"); err != nil {
		t.Fatal(err)
	}
	if cursor.Current() != 1 {
		t.Errorf("cursor = %d, want 1", cursor.Current())
	}

	degraded := New(&fakeGateway{res: &llm.Result{Text: llm.DefaultDegradedText, Degraded: true}}, Config{AdvanceOnServe: true, Cursor: cursor})
	reply, err := degraded.ResolveReply(context.Background(), "1", "oi")
	if err != nil {
		t.Fatal(err)
	}
	if reply != llm.DefaultDegradedText {
		t.Errorf("reply = %q", reply)
	}
	if cursor.Current() != 1 {
		t.Errorf("cursor advanced on degraded reply: %d", cursor.Current())
	}

	if _, err := d.ResolveReply(context.Background(), "1", "paguei"); err != nil {
		t.Fatal(err)
	}
	if cursor.Current() != 1 {
		t.Errorf("cursor advanced on payment shortcut: %d", cursor.Current())
	}
}
