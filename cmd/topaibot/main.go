package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/topaibot/internal/admission"
	"github.com/roelfdiedericks/topaibot/internal/channels/whatsapp"
	"github.com/roelfdiedericks/topaibot/internal/config"
	"github.com/roelfdiedericks/topaibot/internal/contact"
	"github.com/roelfdiedericks/topaibot/internal/dispatch"
	"github.com/roelfdiedericks/topaibot/internal/llm"
	. "github.com/roelfdiedericks/topaibot/internal/logging"
	. "github.com/roelfdiedericks/topaibot/internal/metrics"
	"github.com/roelfdiedericks/topaibot/internal/pipeline"
	"github.com/roelfdiedericks/topaibot/internal/store"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Path to topaibot.json (default: ./topaibot.json, then ~/.topaibot/topaibot.json)." short:"c" type:"path"`
	Debug  bool   `help:"Enable debug logging."`
}

type CLI struct {
	Globals

	Run     RunCmd     `cmd:"" default:"1" help:"Connect to WhatsApp and answer messages (default)."`
	Check   CheckCmd   `cmd:"" help:"Validate configuration and open the interaction store."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("topaibot"),
		kong.Description("WhatsApp assistant for TOPAI NET_GIGAS."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}

// loadConfig loads, validates and applies the logging level.
func loadConfig(g *Globals) (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}

	level := ParseLevel(cfg.Logging.Level)
	if g.Debug {
		level = LevelDebug
	}
	Init(&LogOptions{Level: level, TimeFormat: "15:04:05", ShowCaller: g.Debug})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	return store.Open(ctx, store.Options{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("topaibot %s\n", version)
	return nil
}

// CheckCmd validates configuration and migrates the store.
type CheckCmd struct{}

func (c *CheckCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	source := cfg.Source
	if source == "" {
		source = "(defaults and environment)"
	}
	fmt.Printf("config:    %s\n", source)
	fmt.Printf("provider:  %s (%s)\n", cfg.Provider.BaseURL, cfg.Provider.Strategy)
	for i, k := range cfg.Provider.Keys() {
		fmt.Printf("  key %d:   %s\n", i+1, config.KeyHint(k))
	}
	switch cfg.Provider.Strategy {
	case config.StrategyRotateModelOnRateLimit:
		fmt.Printf("  models:  %v\n", cfg.Provider.Models)
	default:
		fmt.Printf("  primary: %s\n  fallback: %s\n", cfg.Provider.PrimaryModel, cfg.Provider.FallbackModel)
	}
	fmt.Printf("store:     %s (max %d connections)\n", cfg.Store.Driver, cfg.Store.MaxOpenConns)
	fmt.Printf("admission: %d per %dm, duplicates within %ds over last %d\n",
		cfg.Admission.MaxPerWindow, cfg.Admission.WindowMinutes,
		cfg.Admission.DuplicateWindowSeconds, cfg.Admission.RecentLimit)
	fmt.Println("ok")
	return nil
}

// RunCmd runs the bot until SIGINT or SIGTERM.
type RunCmd struct{}

func (c *RunCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	L_info("topaibot starting", "version", version, "config", cfg.Source)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	handlerDeps := buildCore(cfg, st)

	bot, err := whatsapp.New(ctx, whatsapp.Config{
		SessionDB:        cfg.WhatsApp.SessionDB,
		ReconnectBackoff: time.Duration(cfg.WhatsApp.ReconnectBackoffSeconds) * time.Second,
		MaxConcurrent:    int64(cfg.Bot.MaxConcurrent),
	})
	if err != nil {
		return err
	}

	handler := pipeline.NewHandler(st, handlerDeps.admitter, handlerDeps.dispatcher, bot, pipeline.Config{
		TypingDelay: typingDelay(cfg.Bot.TypingDelayMs),
		Normalizer:  handlerDeps.normalizer,
	})

	if err := bot.Start(ctx, handler); err != nil {
		return err
	}
	L_info("topaibot ready", "strategy", cfg.Provider.Strategy, "keys", len(cfg.Provider.Keys()))

	<-ctx.Done()
	L_info("topaibot shutting down")
	if err := bot.Stop(); err != nil {
		L_warn("whatsapp: stop failed", "error", err)
	}

	if snap, err := json.Marshal(MetricSnapshot()); err == nil {
		L_info("metrics", "snapshot", string(snap))
	}
	return nil
}

type core struct {
	normalizer contact.Normalizer
	admitter   *admission.Controller
	dispatcher *dispatch.Dispatcher
}

// buildCore wires admission, gateway and dispatcher over st.
func buildCore(cfg *config.Config, st store.Store) core {
	normalizer := contact.Normalizer{CountryCode: cfg.Bot.CountryCode}

	ctrl := admission.New(st, admission.Limits{
		MaxPerWindow:    cfg.Admission.MaxPerWindow,
		Window:          time.Duration(cfg.Admission.WindowMinutes) * time.Minute,
		DuplicateWindow: time.Duration(cfg.Admission.DuplicateWindowSeconds) * time.Second,
		RecentLimit:     cfg.Admission.RecentLimit,
	}, admission.WithNormalizer(normalizer))

	client := llm.NewOpenAIClient(llm.OpenAIClientConfig{
		BaseURL: cfg.Provider.BaseURL,
		Referer: cfg.Provider.Referer,
		Title:   cfg.Provider.Title,
	})
	cursor := llm.NewRotationCursor(len(cfg.Provider.Models))
	gw := llm.NewGateway(client, llm.GatewayConfigFrom(cfg.Provider), cursor)

	d := dispatch.New(gw, dispatch.Config{
		SystemPrompt:   cfg.Bot.SystemPrompt,
		AdvanceOnServe: cfg.Bot.AdvanceOnServe,
		Cursor:         cursor,
	})

	return core{normalizer: normalizer, admitter: ctrl, dispatcher: d}
}

// typingDelay maps typingDelayMs; an explicit 0 disables the delay.
func typingDelay(ms *int) time.Duration {
	if ms == nil {
		return pipeline.DefaultTypingDelay
	}
	if *ms <= 0 {
		return -1
	}
	return time.Duration(*ms) * time.Millisecond
}
