// Package whatsapp is the message transport for topaibot, built on whatsmeow.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/sync/semaphore"

	. "github.com/roelfdiedericks/topaibot/internal/logging"
	. "github.com/roelfdiedericks/topaibot/internal/metrics"
	"github.com/roelfdiedericks/topaibot/internal/paths"
	"github.com/roelfdiedericks/topaibot/internal/pipeline"
)

// ErrNotPaired is returned by New when the session database holds no device.
var ErrNotPaired = errors.New("no whatsapp device paired in session database")

// Handler receives inbound messages.
type Handler interface {
	Handle(ctx context.Context, in pipeline.Inbound) error
}

// Config configures the transport.
type Config struct {
	SessionDB        string        // empty = ~/.topaibot/whatsapp.db
	ReconnectBackoff time.Duration // delay before reconnecting after a drop
	MaxConcurrent    int64         // in-flight message handlers
}

// Status is a point-in-time view of the connection.
type Status struct {
	Running    bool
	Connected  bool
	JID        string
	StartedAt  time.Time
	Reconnects int
	LastError  error
}

// Bot owns the whatsmeow client and fans inbound messages out to a Handler.
type Bot struct {
	client *whatsmeow.Client
	db     *sql.DB
	cfg    Config

	handler Handler
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	running    bool
	stopped    bool // logged out or replaced; do not reconnect
	startedAt  time.Time
	reconnects int
	lastError  error
}

// waLogger bridges whatsmeow's waLog.Logger to our L_* functions
type waLogger struct {
	module string
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	L_info(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module}
}

// New opens the session database and prepares a client for the paired device.
// Pairing is done outside topaibot.
func New(ctx context.Context, cfg Config) (*Bot, error) {
	dbPath := cfg.SessionDB
	if dbPath == "" {
		p, err := paths.DataPath("whatsapp.db")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve whatsapp db path: %w", err)
		}
		dbPath = p
	}
	dbPath, err := paths.ExpandTilde(dbPath)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureParentDir(dbPath); err != nil {
		return nil, fmt.Errorf("failed to create whatsapp db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", &waLogger{module: "store"})
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get whatsapp device: %w", err)
	}
	if device == nil || device.ID == nil {
		db.Close()
		return nil, fmt.Errorf("%w (%s): link the number with a whatsmeow pairing tool first", ErrNotPaired, dbPath)
	}

	client := whatsmeow.NewClient(device, &waLogger{module: "client"})
	// Reconnects are driven by handleEvent so the backoff is ours.
	client.EnableAutoReconnect = false

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.ReconnectBackoff < 0 {
		cfg.ReconnectBackoff = 0
	}

	return &Bot{
		client: client,
		db:     db,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
	}, nil
}

// Start connects and begins delivering messages to handler.
func (b *Bot) Start(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	b.handler = handler
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.client.AddEventHandler(b.handleEvent)

	if err := b.client.Connect(); err != nil {
		b.lastError = err
		b.cancel()
		return fmt.Errorf("whatsapp: failed to connect: %w", err)
	}

	b.running = true
	b.startedAt = time.Now()
	b.lastError = nil

	L_info("whatsapp: connected", "jid", b.client.Store.ID)
	return nil
}

// Stop disconnects and waits for in-flight handlers to finish.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	L_info("whatsapp: disconnecting")
	b.running = false
	b.stopped = true
	b.cancel()
	b.mu.Unlock()

	// Unlocked: Disconnect may deliver events to handleEvent synchronously.
	b.client.Disconnect()
	b.wg.Wait()
	return b.db.Close()
}

// Status returns current connection status.
func (b *Bot) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	jid := ""
	if b.client.Store.ID != nil {
		jid = b.client.Store.ID.String()
	}
	return Status{
		Running:    b.running,
		Connected:  b.client.IsConnected(),
		JID:        jid,
		StartedAt:  b.startedAt,
		Reconnects: b.reconnects,
		LastError:  b.lastError,
	}
}

func (b *Bot) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		b.dispatch(v)
	case *events.Connected:
		L_info("whatsapp: connected to server")
	case *events.Disconnected:
		L_warn("whatsapp: disconnected from server")
		b.scheduleReconnect()
	case *events.LoggedOut:
		L_error("whatsapp: logged out, not reconnecting; re-pair the session", "reason", v.Reason)
		b.halt(fmt.Errorf("logged out: %v", v.Reason))
	case *events.StreamReplaced:
		L_error("whatsapp: session replaced by another client, not reconnecting")
		b.halt(errors.New("stream replaced"))
	}
}

// dispatch runs the handler in its own goroutine, bounded by the semaphore.
func (b *Bot) dispatch(evt *events.Message) {
	in, ok := inboundFromEvent(evt)
	if !ok {
		return
	}

	b.mu.RLock()
	ctx, handler, ok := b.track()
	b.mu.RUnlock()
	if !ok {
		return
	}

	go func() {
		defer b.wg.Done()
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer b.sem.Release(1)

		if err := handler.Handle(ctx, in); err != nil {
			L_debug("whatsapp: message handled with error", "chat", in.ChatID, "error", err)
		}
	}()
}

// track registers one handler with wg. Callers hold mu, so Stop cannot be
// waiting on wg yet.
func (b *Bot) track() (context.Context, Handler, bool) {
	if !b.running || b.handler == nil {
		return nil, nil, false
	}
	b.wg.Add(1)
	return b.ctx, b.handler, true
}

func (b *Bot) halt(err error) {
	b.mu.Lock()
	b.stopped = true
	b.lastError = err
	b.mu.Unlock()
}

func (b *Bot) scheduleReconnect() {
	b.mu.RLock()
	ctx, skip := b.ctx, b.stopped || !b.running
	b.mu.RUnlock()
	if skip {
		return
	}

	go func() {
		t := time.NewTimer(b.cfg.ReconnectBackoff)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		b.mu.Lock()
		if b.stopped || !b.running {
			b.mu.Unlock()
			return
		}
		b.reconnects++
		b.mu.Unlock()

		L_info("whatsapp: reconnecting", "after", b.cfg.ReconnectBackoff)
		MetricInc("whatsapp", "reconnect")
		if err := b.client.Connect(); err != nil {
			L_error("whatsapp: reconnect failed", "error", err)
			b.mu.Lock()
			b.lastError = err
			b.mu.Unlock()
			b.scheduleReconnect()
		}
	}()
}
