package cli

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rsassistant/internal/agent"
	"rsassistant/internal/cases"
	apperrors "rsassistant/internal/errors"
	"rsassistant/internal/market"
	"rsassistant/internal/notify"
	"rsassistant/internal/parse"
	"rsassistant/internal/policy"
	"rsassistant/internal/resilience"
	"rsassistant/internal/scheduler"
	"rsassistant/internal/stream"
)

// addRunCommand adds the long-running pipeline daemon.
func addRunCommand(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the tracking pipeline",
		Long: `Run the full pipeline: read feed messages from stdin, deduplicate
alerts into cases, resolve policies, schedule and dispatch orders, and
reconcile agent confirmations.

Feed lines may carry a channel prefix ("alerts|" or "agent|"); lines
without one are routed by content. Agent commands are written to stdout
unless agent.bridge_url is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "store unavailable")
			}
			return runPipeline(app)
		},
	})
}

func runPipeline(app *App) error {
	cfg := app.Config
	logger := app.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	calendar := market.NewCalendar(cfg.Market.Holidays)

	var notifier notify.Notifier = notify.NewNoOpNotifier()
	if cfg.Notifications.Enabled {
		notifier = notify.NewMultiNotifier(&cfg.Notifications)
	}

	var transport agent.Transport
	if cfg.Agent.BridgeURL != "" {
		breaker := resilience.NewCircuitBreaker("agent-bridge", resilience.DefaultCircuitBreakerConfig())
		transport = agent.NewGuardedTransport(agent.NewWebhookTransport(cfg.Agent.BridgeURL), breaker)
	} else {
		transport = agent.NewWriterTransport(os.Stdout)
	}
	commander := agent.NewClient(transport, logger)

	sched := scheduler.New(app.Store, calendar, commander, notifier, scheduler.Config{
		PollInterval:   cfg.Scheduler.PollInterval,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		InitialBackoff: cfg.Scheduler.InitialBackoff,
		MaxBackoff:     cfg.Scheduler.MaxBackoff,
		BackoffFactor:  cfg.Scheduler.BackoffFactor,
		ConfirmWindow:  cfg.Scheduler.ConfirmWindow,
	}, logger)

	var fallback policy.Backend
	if cfg.Policy.LLMEnabled {
		fallback = policy.NewLLMResolver(cfg.Credentials.OpenAI.APIKey, cfg.Policy.LLMModel)
	}
	fetcher := policy.NewFetcher(cfg.Policy.FetchTimeout, logger)
	parser := parse.NewParser(logger)

	manager := cases.New(
		app.Store, sched,
		policy.NewResolver(), fallback, fetcher,
		parser, commander, calendar, notifier,
		cases.Config{
			Accounts:           cfg.AccountKeys(),
			BuyQuantity:        cfg.Scheduler.BuyQuantity,
			MaxResolveAttempts: cfg.Policy.MaxResolveAttempts,
		},
		logger,
	)

	hub := stream.NewHub()
	hub.Start(ctx)
	defer hub.Stop()

	hub.RegisterConsumer(stream.NewConsumerFunc([]stream.Channel{stream.ChannelAlerts}, func(ctx context.Context, msg stream.Message) {
		alert, ok := parse.ParseAlert(msg.Content, msg.ReceivedAt)
		if !ok {
			return
		}
		if err := manager.HandleAlert(ctx, alert); err != nil {
			logger.Error().Err(err).Str("ticker", alert.Ticker).Msg("alert handling failed")
			_ = notifier.SendError(ctx, err, "alert intake: "+alert.Ticker)
		}
	}))
	hub.RegisterConsumer(stream.NewConsumerFunc([]stream.Channel{stream.ChannelAgent}, func(ctx context.Context, msg stream.Message) {
		if err := manager.HandleAgentMessage(ctx, msg.Content); err != nil {
			logger.Error().Err(err).Msg("agent message handling failed")
			_ = notifier.SendError(ctx, err, "agent reconciliation")
		}
	}))

	go readFeed(ctx, hub, parser, logger)

	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.Scheduler.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := manager.Sweep(ctx); err != nil {
					logger.Error().Err(err).Msg("case sweep failed")
				}
			}
		}
	}()

	banner := color.New(color.FgGreen, color.Bold).Sprint("RSAssistant pipeline running")
	logger.Info().
		Int("accounts", len(cfg.Accounts)).
		Dur("poll_interval", cfg.Scheduler.PollInterval).
		Msg(banner)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

// readFeed publishes stdin lines to the hub. An "alerts|" or "agent|"
// prefix routes explicitly; unprefixed lines go to the agent channel
// when they parse as an agent event, otherwise to alerts.
func readFeed(ctx context.Context, hub *stream.Hub, parser *parse.Parser, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		channel := stream.ChannelAlerts
		content := line
		switch {
		case strings.HasPrefix(line, "alerts|"):
			content = strings.TrimPrefix(line, "alerts|")
		case strings.HasPrefix(line, "agent|"):
			channel = stream.ChannelAgent
			content = strings.TrimPrefix(line, "agent|")
		default:
			if _, ok := parser.Parse(line); ok {
				channel = stream.ChannelAgent
			}
		}

		hub.Publish(stream.Message{
			Channel:    channel,
			Content:    content,
			ReceivedAt: time.Now(),
		})
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("feed reader stopped")
	}
}
