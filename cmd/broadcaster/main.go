// Command broadcaster sends the hourly phrase email to every subscriber due
// in the current slot.
//
// It runs as an AWS Lambda function (triggered hourly by EventBridge) when
// AWS_LAMBDA_FUNCTION_NAME is set, and as a one-shot CLI otherwise:
//
//	broadcaster [-dry-run] [-at 2026-10-14T13:00:00Z] [-to a@example.com,b@example.com]
//
// The process exits 1 on a fatal run error or when every attempted send
// failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"phrasecast/internal/broadcast"
	"phrasecast/internal/config"
	"phrasecast/internal/content"
	"phrasecast/internal/db"
	"phrasecast/internal/dispatch"
	"phrasecast/internal/external"
	"phrasecast/internal/lock"
	"phrasecast/internal/metrics"
	"phrasecast/internal/personalize"
	"phrasecast/internal/schedule"
	"phrasecast/internal/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		return 1
	}
	logger := newLogger(cfg)

	onLambda := os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
	var cli cliArgs
	if !onLambda {
		cli, err = parseArgs(args, os.Stderr)
		if err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 0
			}
			logger.Error("invalid arguments", "error", err)
			return 1
		}
	}

	ctx := context.Background()
	// A CLI dry run gets no mail transport at all. Lambda may receive live
	// and dry events on the same warm instance.
	wireTransport := onLambda || !cli.opts.DryRun
	app, err := wire(ctx, cfg, logger, wireTransport)
	if err != nil {
		logger.Error("failed to initialize broadcaster", "error", err)
		return 1
	}
	defer app.close()

	handler := &Handler{Runner: app.runner, Logger: logger}
	logger.Info("broadcaster initialized",
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"environment", cfg.Environment,
		"lambda", onLambda,
		"email_provider", cfg.Email.Provider,
		"content_strategy", cfg.Content.Strategy,
	)

	if onLambda {
		lambda.Start(handler.Handle)
		return 0
	}

	report, err := handler.run(ctx, cli.opts)
	if report != nil {
		fmt.Println(report.Summary())
	}
	if err != nil {
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", cfg.Service, "worker_id", uuid.New().String())
}

// app holds the wired runner and the resources to release on exit.
type app struct {
	runner  *broadcast.Runner
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// wire builds the runner from configuration. withTransport is false for dry
// runs so that no mail client exists in the process.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, withTransport bool) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	plans := schedule.DefaultPlanTable()
	if cfg.Schedule.PlanFile != "" {
		loaded, err := schedule.LoadPlanTableFile(cfg.Schedule.PlanFile)
		if err != nil {
			return fail(err)
		}
		plans = loaded
	}
	window, err := schedule.NewQuietWindow(cfg.Schedule.QuietStartUTC, cfg.Schedule.QuietEndUTC)
	if err != nil {
		return fail(err)
	}
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return fail(fmt.Errorf("loading SERVICE_TIMEZONE: %w", err))
	}

	var pool *pgxpool.Pool
	if !cfg.Database.URL.IsZero() {
		pool, err = db.NewPool(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pool.Close)
	}

	deps := broadcast.Deps{
		Metrics: metrics.Noop{},
		Plans:   plans,
		Window:  window,
		Logger:  logger,
	}

	if cfg.Content.PhrasesFile != "" {
		deps.Content = content.NewFileSource(cfg.Content.PhrasesFile, logger)
	} else {
		deps.Content = db.NewPhraseRepository(pool, cfg.Database.QueryTimeout, logger)
	}

	var deliveries types.DeliveryHistory
	if pool != nil {
		deps.Subscribers = db.NewSubscriberRepository(pool, plans, cfg.Database.QueryTimeout, logger)
		deps.History = db.NewJobHistoryRepository(pool, cfg.Database.QueryTimeout)
		deps.Lock = db.NewJobLockRepository(pool, cfg.Database.QueryTimeout)
		deliveries = db.NewDeliveryHistoryRepository(pool, cfg.Database.QueryTimeout, cfg.Content.HistoryRetention)
	}
	deps.Selector, err = content.NewSelector(cfg.Content.Strategy, deliveries, logger)
	if err != nil {
		return fail(err)
	}

	if !cfg.Redis.URL.IsZero() {
		redisLock, err := lock.NewFromURL(cfg.Redis.URL.Unmask())
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func() { _ = redisLock.Close() })
		deps.Lock = redisLock
	}

	if cfg.Observability.MetricsEnabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fail(fmt.Errorf("loading AWS config for CloudWatch: %w", err))
		}
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		deps.Metrics = metrics.NewCloudWatchPublisher(cw, cfg.Observability.MetricNamespace, logger)
	}

	deps.Personalizer, err = personalize.New(personalize.Config{
		Location:       loc,
		PreferencesURL: cfg.Email.PreferencesURL,
		Plans:          plans,
	})
	if err != nil {
		return fail(err)
	}

	if withTransport {
		transport, err := external.NewMailTransport(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		deps.Dispatcher = dispatch.New(transport, dispatch.Config{
			Throttle:          cfg.Dispatch.Throttle,
			MaxRetries:        cfg.Dispatch.MaxRetries,
			DefaultRetryAfter: cfg.Dispatch.DefaultRetryAfter,
			SendTimeout:       cfg.Dispatch.SendTimeout,
			From: types.SenderIdentity{
				Address: cfg.Email.FromAddress,
				Name:    cfg.Email.FromName,
			},
		}, logger)
	}

	a.runner, err = broadcast.NewRunner(deps, broadcast.Config{
		LockTTL:           cfg.Redis.LockTTL,
		ForceTestMode:     cfg.TestMode.Force,
		TestRecipients:    cfg.TestMode.Recipients,
		TestRecipientPlan: types.FrequencyCode(cfg.TestMode.RecipientPlan),
	})
	if err != nil {
		return fail(err)
	}
	return a, nil
}
