package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/guardrail-sh/dispatch/config"
	"github.com/guardrail-sh/dispatch/deadletter"
	"github.com/guardrail-sh/dispatch/dispatch"
	"github.com/guardrail-sh/dispatch/engine"
	"github.com/guardrail-sh/dispatch/journal"
	"github.com/guardrail-sh/dispatch/mapping"
	"github.com/guardrail-sh/dispatch/notify"
	"github.com/guardrail-sh/dispatch/policy"
	awsprovider "github.com/guardrail-sh/dispatch/providers/aws"
	"github.com/guardrail-sh/dispatch/session"
	"github.com/guardrail-sh/dispatch/telemetry"
)

// app is the fully wired dispatcher and its supporting stores.
type app struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	router     *notify.Router
	deadLetter *deadletter.Store
	journal    *journal.Journal
	sqsClient  *sqs.Client

	shutdownOTEL func(context.Context) error
}

// buildApp loads configuration and wires every component.
func buildApp(ctx context.Context) (*app, error) {
	if debugLog {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	shutdownOTEL, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    "dispatch",
		ServiceVersion: version,
		OTELEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		_ = shutdownOTEL(ctx)
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	broker := session.NewBroker(sts.NewFromConfig(awsCfg), session.Options{
		RoleName:         cfg.Session.RoleName,
		ExternalIDPrefix: cfg.Session.ExternalIDPrefix,
		Duration:         cfg.Session.Duration,
		MaxAttempts:      cfg.Session.MaxAttempts,
	})

	deadLetter, err := deadletter.Open(cfg.Storage.DeadLetterDir)
	if err != nil {
		_ = shutdownOTEL(ctx)
		return nil, err
	}

	sqsClient := sqs.NewFromConfig(awsCfg)
	router := notify.NewRouter(notify.NewSQSPublisher(sqsClient), deadLetter, notify.Options{
		RealtimeQueueURL: cfg.Queues.RealtimeURL,
		PeriodicQueueURL: cfg.Queues.PeriodicURL,
		MaxAttempts:      cfg.Dispatch.PublishAttempts,
	})

	var jnl *journal.Journal
	var jnlSink dispatch.Journal
	if cfg.Storage.JournalDir != "" {
		jnl, err = journal.Open(cfg.Storage.JournalDir, journal.DefaultConfig())
		if err != nil {
			_ = deadLetter.Close()
			_ = shutdownOTEL(ctx)
			return nil, err
		}
		jnlSink = jnl
	}

	source := mapping.NewCachedSource(
		&mapping.FileSource{Path: cfg.Mapping.Path},
		cfg.Mapping.RefreshInterval,
	)
	adapter := engine.NewAdapter(
		policy.NewLoader(cfg.Policies.Dir),
		awsprovider.NewRunner(cfg.Region, nil),
	)

	dispatcher := dispatch.New(source, adapter, broker, router, jnlSink, dispatch.Options{
		RouteReserve: cfg.Dispatch.RouteReserve,
	})

	return &app{
		cfg:          cfg,
		dispatcher:   dispatcher,
		router:       router,
		deadLetter:   deadLetter,
		journal:      jnl,
		sqsClient:    sqsClient,
		shutdownOTEL: shutdownOTEL,
	}, nil
}

// close releases the app's resources in reverse wiring order.
func (a *app) close(ctx context.Context) {
	if a.journal != nil {
		_ = a.journal.Close()
	}
	_ = a.deadLetter.Close()
	_ = a.shutdownOTEL(ctx)
}
