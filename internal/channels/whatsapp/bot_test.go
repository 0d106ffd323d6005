package whatsapp

import (
	"context"
	"sync"
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"golang.org/x/sync/semaphore"
	"google.golang.org/protobuf/proto"

	"github.com/roelfdiedericks/topaibot/internal/pipeline"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []pipeline.Inbound
}

func (h *recordingHandler) Handle(ctx context.Context, in pipeline.Inbound) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, in)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func newTestBot(h Handler) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		cfg:     Config{MaxConcurrent: 4},
		handler: h,
		sem:     semaphore.NewWeighted(4),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}
}

func TestDispatchRunsHandlerAndTracksIt(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBot(h)
	defer b.cancel()

	jid := types.NewJID("258841234567", types.DefaultUserServer)
	for i := 0; i < 10; i++ {
		b.dispatch(messageEvent(jid, types.EmptyJID, &waE2E.Message{Conversation: proto.String("oi")}))
	}
	b.wg.Wait()

	if got := h.count(); got != 10 {
		t.Errorf("handled %d messages, want 10", got)
	}
}

func TestDispatchAfterStopIsDropped(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBot(h)
	defer b.cancel()

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	jid := types.NewJID("258841234567", types.DefaultUserServer)
	b.dispatch(messageEvent(jid, types.EmptyJID, &waE2E.Message{Conversation: proto.String("oi")}))
	b.wg.Wait()

	if got := h.count(); got != 0 {
		t.Errorf("handled %d messages after stop, want 0", got)
	}
	if _, _, ok := b.track(); ok {
		t.Error("track accepted a handler on a stopped bot")
	}
}

func TestDispatchConcurrentWithShutdown(t *testing.T) {
	h := &recordingHandler{}
	b := newTestBot(h)
	defer b.cancel()

	jid := types.NewJID("258841234567", types.DefaultUserServer)
	var senders sync.WaitGroup
	for i := 0; i < 8; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < 50; j++ {
				b.dispatch(messageEvent(jid, types.EmptyJID, &waE2E.Message{Conversation: proto.String("oi")}))
			}
		}()
	}

	// Same ordering as Stop: flip running under the lock, then wait.
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.wg.Wait()
	handled := h.count()

	senders.Wait()
	b.wg.Wait()
	if got := h.count(); got != handled {
		t.Errorf("%d handlers started after shutdown", got-handled)
	}
}
