package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmarinho/zapflow/pkg/zapflow/analytics"
	"github.com/jmarinho/zapflow/pkg/zapflow/channels/whatsapp"
	"github.com/jmarinho/zapflow/pkg/zapflow/engine"
	"github.com/jmarinho/zapflow/pkg/zapflow/gateway"
	"github.com/jmarinho/zapflow/pkg/zapflow/scheduler"
	"github.com/jmarinho/zapflow/pkg/zapflow/store"
)

// newServeCmd creates the `zapflow serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon: WhatsApp channel, HTTP API and scheduler",
		Long: `Start zapflow as a daemon service: connects the WhatsApp channel when
enabled, serves the HTTP API (inbound webhook, takeover control, analytics)
and runs the follow-up scheduler.

Examples:
  zapflow serve
  zapflow serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config (run `zapflow setup` to create one): %w", err)
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	switch {
	case verbose || cfg.Logging.Level == "debug":
		logLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		logLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──
	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// ── Outbound channel ──
	var outbound engine.MessagingGateway = &noopGateway{logger: logger}
	var wa *whatsapp.WhatsApp
	if cfg.WhatsApp.Enabled {
		wa = whatsapp.New(cfg.WhatsApp, logger)
		if err := wa.Connect(ctx); err != nil {
			return fmt.Errorf("connecting WhatsApp: %w", err)
		}
		outbound = wa
	} else {
		logger.Info("whatsapp channel disabled, running webhook-only")
	}

	// ── Engine wiring ──
	deps := &engine.Deps{
		Conversations: st.Conversations,
		Leads:         st.Leads,
		Records:       st.Records,
		FollowUps:     st.FollowUps,
		Takeovers:     st.Takeovers,
		Media:         st.Media,
		AgentConfigs:  engine.NewConfigAgentRepo(cfg),
		Gateway:       outbound,
		LLM:           engine.NewLLMClient(&cfg.LLM, logger),
	}

	locks := engine.NewConvLocks()
	registry := engine.NewRegistry(logger)
	eng := engine.NewEngine(deps, registry, cfg, locks, logger)
	collab := engine.NewCollaboration(deps, cfg.Collaboration, locks, logger)

	// ── Scheduler ──
	sched := scheduler.New(st.FollowUps, st.Conversations, outbound, cfg.Scheduler, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// ── Analytics + HTTP API ──
	agg := analytics.NewAggregator(st.Takeovers, st.Conversations, cfg.Analytics, logger)
	gw := gateway.New(eng, collab, agg, sched, cfg.Server, logger)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	// ── WhatsApp pump: inbound messages into the pipeline ──
	if wa != nil {
		go pumpWhatsApp(ctx, wa, eng, logger)
	}

	logger.Info("zapflow running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"api", cfg.Server.Addr,
		"whatsapp", cfg.WhatsApp.Enabled,
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown error", "error", err)
	}
	sched.Stop()
	if wa != nil {
		wa.Disconnect()
	}
	logger.Info("stopped")
	return nil
}

// pumpWhatsApp drains the inbound channel, runs one orchestration turn per
// message and delivers the reply. Conversation ids are derived from the
// tenant and customer phone so the same customer always lands in the same
// conversation.
func pumpWhatsApp(ctx context.Context, wa *whatsapp.WhatsApp, eng *engine.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-wa.Receive():
			if !ok {
				return
			}
			wa.SendTyping(msg.CustomerPhone)

			result, err := eng.ProcessMessage(ctx, &engine.InboundMessage{
				ConversationID: fmt.Sprintf("wa:%s:%s", msg.TenantID, msg.CustomerPhone),
				TenantID:       msg.TenantID,
				CustomerPhone:  msg.CustomerPhone,
				Text:           msg.Text,
				MediaRefs:      msg.MediaRefs,
			})
			if err != nil {
				logger.Error("turn failed", "from", msg.CustomerPhone, "error", err)
				continue
			}
			// Empty reply means the AI is muted (human holds the conversation).
			if result.Reply == "" {
				continue
			}
			if _, err := wa.Send(ctx, msg.CustomerPhone, result.Reply, ""); err != nil {
				logger.Error("reply delivery failed", "to", msg.CustomerPhone, "error", err)
			}
		}
	}
}

// noopGateway stands in when no outbound channel is configured: sends are
// logged and reported as delivered so webhook-only deployments still work.
type noopGateway struct {
	logger *slog.Logger
}

func (n *noopGateway) Send(_ context.Context, toPhone, body, mediaURL string) (string, error) {
	n.logger.Info("outbound message (no channel configured)",
		"to", toPhone, "body", body, "media", mediaURL)
	return "noop", nil
}
