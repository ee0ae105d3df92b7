package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/batch"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/cache"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/chain"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/clickhouse"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/cursor"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/events"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/metrics"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/notify"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/processing"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/realtime"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/reconcile"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/utils"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/ethclient"
	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const closeTimeout = 15 * time.Second

func main() {
	app := &cli.App{
		Name:  "labsync",
		Usage: "Keep the marketplace cache consistent with on-chain state",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the cache synchronizer",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Usage:   "Enable verbose logging",
					},
					&cli.Uint64Flag{
						Name:     "chain-id",
						Aliases:  []string{"C"},
						Usage:    "The chain ID the scan cursor is keyed by",
						EnvVars:  []string{"CHAIN_ID"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "rpc-url",
						Aliases:  []string{"r"},
						Usage:    "The RPC URL to watch for contract logs (ws:// subscribes, http:// polls)",
						EnvVars:  []string{"RPC_URL"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "contract-address",
						Aliases:  []string{"a"},
						Usage:    "The marketplace contract address",
						EnvVars:  []string{"CONTRACT_ADDRESS"},
						Required: true,
					},
					&cli.DurationFlag{
						Name:    "dedup-window",
						Usage:   "The arrival window within which duplicate event deliveries are suppressed",
						EnvVars: []string{"DEDUP_WINDOW"},
						Value:   events.DefaultDedupWindow,
					},
					&cli.DurationFlag{
						Name:    "confirm-delay",
						Usage:   "The debounce delay before confirmations trigger a coalesced refetch",
						EnvVars: []string{"CONFIRM_DELAY"},
						Value:   batch.DefaultDelayPolicy().Confirm,
					},
					&cli.DurationFlag{
						Name:    "deny-delay",
						Usage:   "The debounce delay before denials and cancellations trigger a coalesced refetch",
						EnvVars: []string{"DENY_DELAY"},
						Value:   batch.DefaultDelayPolicy().Deny,
					},
					&cli.DurationFlag{
						Name:    "transition-slack",
						Usage:   "The margin added past a reservation boundary before re-evaluating active state",
						EnvVars: []string{"TRANSITION_SLACK"},
						Value:   realtime.DefaultConfig().Slack,
					},
					&cli.DurationFlag{
						Name:    "fallback-poll-interval",
						Usage:   "The safety-net interval for re-evaluating active reservations",
						EnvVars: []string{"FALLBACK_POLL_INTERVAL"},
						Value:   realtime.DefaultConfig().PollInterval,
					},
					&cli.Uint64Flag{
						Name:    "start-block",
						Aliases: []string{"s"},
						Usage:   "The block to start scanning logs from, overriding the persisted cursor",
						EnvVars: []string{"START_BLOCK"},
					},
					&cli.DurationFlag{
						Name:    "scan-interval",
						Usage:   "The interval between log scans when polling over HTTP",
						EnvVars: []string{"SCAN_INTERVAL"},
						Value:   5 * time.Second,
					},
					&cli.Int64Flag{
						Name:    "refetch-concurrency",
						Aliases: []string{"c"},
						Usage:   "The maximum number of concurrent authoritative refetches",
						EnvVars: []string{"REFETCH_CONCURRENCY"},
						Value:   4,
					},
					&cli.IntFlag{
						Name:    "logs-ch-capacity",
						Aliases: []string{"B"},
						Usage:   "The capacity of the eth_subscribe log channel",
						EnvVars: []string{"LOGS_CH_CAPACITY"},
						Value:   100,
					},
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "The address to serve Prometheus metrics on",
						EnvVars: []string{"METRICS_ADDR"},
						Value:   ":9090",
					},
					&cli.StringFlag{
						Name:    "kafka-brokers",
						Usage:   "The Kafka brokers for user notifications (comma-separated; empty disables Kafka)",
						EnvVars: []string{"KAFKA_BROKERS"},
					},
					&cli.StringFlag{
						Name:    "kafka-topic",
						Aliases: []string{"t"},
						Usage:   "The Kafka topic user notifications are published to",
						EnvVars: []string{"KAFKA_TOPIC"},
						Value:   "marketplace-notifications",
					},
					&cli.StringFlag{
						Name:    "kafka-client-id",
						Usage:   "The Kafka client ID to use",
						EnvVars: []string{"KAFKA_CLIENT_ID"},
						Value:   "labsync",
					},
					&cli.StringFlag{
						Name:    "cursor-table-name",
						Aliases: []string{"T"},
						Usage:   "The name of the table the scan cursor is persisted to",
						EnvVars: []string{"CURSOR_TABLE_NAME"},
						Value:   "scan_cursor",
					},
					&cli.DurationFlag{
						Name:    "cursor-interval",
						Aliases: []string{"i"},
						Usage:   "The interval between scan cursor writes",
						EnvVars: []string{"CURSOR_INTERVAL"},
						Value:   cursor.DefaultConfig().Interval,
					},
				},
				Action: run,
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	verbose := c.Bool("verbose")
	chainID := c.Uint64("chain-id")
	rpcURL := c.String("rpc-url")
	contractAddr := c.String("contract-address")
	dedupWindow := c.Duration("dedup-window")
	delays := batch.DelayPolicy{
		Confirm: c.Duration("confirm-delay"),
		Deny:    c.Duration("deny-delay"),
	}
	timerCfg := realtime.Config{
		Slack:        c.Duration("transition-slack"),
		PollInterval: c.Duration("fallback-poll-interval"),
	}
	startBlock := c.Uint64("start-block")
	scanInterval := c.Duration("scan-interval")
	refetchConcurrency := c.Int64("refetch-concurrency")
	logsCap := c.Int("logs-ch-capacity")
	metricsAddr := c.String("metrics-addr")
	kafkaBrokers := c.String("kafka-brokers")
	kafkaTopic := c.String("kafka-topic")
	kafkaClientID := c.String("kafka-client-id")
	cursorTableName := c.String("cursor-table-name")
	cursorCfg := cursor.DefaultConfig()
	cursorCfg.Interval = c.Duration("cursor-interval")

	sugar, err := utils.NewSugaredLogger(verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors
	sugar.Infow("config",
		"verbose", verbose,
		"chainID", chainID,
		"rpcURL", rpcURL,
		"contractAddr", contractAddr,
		"dedupWindow", dedupWindow,
		"confirmDelay", delays.Confirm,
		"denyDelay", delays.Deny,
		"transitionSlack", timerCfg.Slack,
		"fallbackPollInterval", timerCfg.PollInterval,
		"startBlock", startBlock,
		"scanInterval", scanInterval,
		"refetchConcurrency", refetchConcurrency,
		"logsCap", logsCap,
		"metricsAddr", metricsAddr,
		"kafkaTopic", kafkaTopic,
		"cursorTableName", cursorTableName,
		"cursorInterval", cursorCfg.Interval,
	)

	if !common.IsHexAddress(contractAddr) {
		return fmt.Errorf("invalid contract address: %s", contractAddr)
	}
	contract := common.HexToAddress(contractAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	metricsSrv := metrics.NewServer(metricsAddr, registry)
	metricsErrs := metricsSrv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("failed to shut down metrics server", "error", err)
		}
	}()

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("failed to dial rpc: %w", err)
	}
	defer client.Close()

	fetcher, err := chain.NewFetcher(sugar, client, contract)
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}

	coord, err := cache.NewCoordinator(sugar, fetcher, refetchConcurrency, m)
	if err != nil {
		return fmt.Errorf("failed to create cache coordinator: %w", err)
	}

	dedup, err := events.NewDeduplicator(sugar, dedupWindow)
	if err != nil {
		return fmt.Errorf("failed to create deduplicator: %w", err)
	}
	dedup.Start()
	defer dedup.Stop()

	sched, err := batch.NewScheduler(ctx, sugar, coord.RefetchKeys, m)
	if err != nil {
		return fmt.Errorf("failed to create batch scheduler: %w", err)
	}
	defer sched.Stop()

	notifier, kafkaSink, err := buildNotifier(ctx, sugar, m, kafkaBrokers, kafkaTopic, kafkaClientID)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		notifier.Close(closeCtx)
	}()

	inflight := processing.NewSet()
	// When the last in-flight reservation settles, schedule one more delayed
	// booking refetch to absorb on-chain propagation lag.
	inflight.OnDrain(func() {
		sched.Schedule(market.KindBooking, delays.Confirm)
	})

	rec, err := reconcile.NewReconciler(sugar, dedup, inflight, coord, sched, delays, notifier, m)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	bus, err := events.NewBus(sugar)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	subscription := bus.Subscribe(rec.Handler(ctx),
		events.ReservationRequested,
		events.ReservationConfirmed,
		events.ReservationRequestDenied,
		events.ReservationRequestCanceled,
		events.BookingCanceled,
		events.LabAdded,
		events.LabUpdated,
		events.LabDeleted,
		events.ProviderAdded,
		events.ProviderUpdated,
		events.ProviderRemoved,
	)
	defer subscription.Unsubscribe()

	watcher, err := chain.NewSubscriber(sugar, client, contract, bus.Publish)
	if err != nil {
		return fmt.Errorf("failed to create log subscriber: %w", err)
	}

	timer, err := realtime.NewTimer(sugar, timerCfg,
		func() []market.Reservation {
			return cachedReservations(coord)
		},
		func(ctx context.Context) error {
			return refetchCachedBookings(ctx, coord)
		},
		func() {
			coord.SignalChange(market.KindBooking)
		},
		m,
	)
	if err != nil {
		return fmt.Errorf("failed to create realtime timer: %w", err)
	}
	defer timer.Stop()
	coord.OnChange(func(kind market.Kind) {
		if kind == market.KindBooking {
			timer.Reschedule(ctx)
		}
	})

	// Warm every collection before accepting events so granular updates have
	// records to apply against.
	for _, kind := range market.Kinds() {
		if err := coord.InvalidateAll(ctx, kind); err != nil {
			return fmt.Errorf("failed to load %s collection: %w", kind, err)
		}
	}
	timer.Reschedule(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return timer.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-metricsErrs:
			return err
		}
	})
	if kafkaSink != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case err := <-kafkaSink.Errors():
				return err
			}
		})
	}

	if strings.HasPrefix(rpcURL, "ws") {
		sugar.Info("websocket endpoint: subscribing to contract logs")
		g.Go(func() error {
			return watcher.Subscribe(gctx, logsCap)
		})
	} else {
		sugar.Info("http endpoint: polling contract logs")
		if err := startPolling(ctx, g, gctx, sugar, watcher, chainID, startBlock, scanInterval, cursorTableName, cursorCfg); err != nil {
			return err
		}
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		return nil
	}
	if err != nil {
		sugar.Errorw("run failed", "error", err)
		return err
	}

	sugar.Info("shutting down")
	return nil
}

// buildNotifier assembles the notification fan-out: always a log sink, plus
// Kafka when brokers are configured. The returned KafkaSink is nil when
// Kafka is disabled.
func buildNotifier(
	ctx context.Context,
	sugar *zap.SugaredLogger,
	m *metrics.Metrics,
	brokers, topic, clientID string,
) (*notify.Notifier, *notify.KafkaSink, error) {
	logSink, err := notify.NewLogSink(sugar)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log sink: %w", err)
	}
	sinks := []notify.Sink{logSink}

	var kafkaSink *notify.KafkaSink
	if brokers != "" {
		kafkaConfig := &confluentKafka.ConfigMap{
			"bootstrap.servers": brokers,
			"client.id":         clientID,

			// Reliability: wait for all replicas to acknowledge
			"acks": "all",

			"linger.ms":        5,
			"batch.size":       16384,
			"compression.type": "lz4",

			// Idempotence so retried notifications are not duplicated
			"enable.idempotence": true,
		}
		kafkaSink, err = notify.NewKafkaSink(ctx, kafkaConfig, topic, sugar)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		sinks = append(sinks, kafkaSink)
	}

	notifier, err := notify.NewNotifier(sugar, m, sinks...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create notifier: %w", err)
	}
	return notifier, kafkaSink, nil
}

// startPolling wires the HTTP scan loop: the cursor repository supplies the
// resume block and persists the subscriber's scan position.
func startPolling(
	ctx context.Context,
	g *errgroup.Group,
	gctx context.Context,
	sugar *zap.SugaredLogger,
	watcher *chain.Subscriber,
	chainID uint64,
	startBlock uint64,
	scanInterval time.Duration,
	tableName string,
	cursorCfg cursor.Config,
) error {
	chCfg, err := clickhouse.Load()
	if err != nil {
		return fmt.Errorf("failed to load clickhouse config: %w", err)
	}
	chClient, err := clickhouse.New(chCfg, sugar)
	if err != nil {
		return fmt.Errorf("failed to create clickhouse client: %w", err)
	}
	// Closed by the cursor goroutine below after its final write.

	repo, err := cursor.NewRepository(chClient, chCfg.Database, tableName)
	if err != nil {
		chClient.Close() //nolint:errcheck,gosec // already failing; best-effort cleanup
		return fmt.Errorf("failed to create cursor repository: %w", err)
	}
	if err := repo.Initialize(ctx); err != nil {
		chClient.Close() //nolint:errcheck,gosec // already failing; best-effort cleanup
		return fmt.Errorf("failed to initialize cursor table: %w", err)
	}

	fromBlock := startBlock
	if fromBlock == 0 {
		var exists bool
		fromBlock, exists, err = repo.Read(ctx, chainID)
		if err != nil {
			chClient.Close() //nolint:errcheck,gosec // already failing; best-effort cleanup
			return fmt.Errorf("failed to read scan cursor: %w", err)
		}
		if exists {
			sugar.Infof("resuming log scan from block %d", fromBlock)
		} else {
			sugar.Info("no scan cursor found, scanning from genesis")
		}
	} else {
		sugar.Infof("start block %d overrides the persisted cursor", fromBlock)
	}

	g.Go(func() error {
		return watcher.Poll(gctx, fromBlock, scanInterval)
	})
	g.Go(func() error {
		defer chClient.Close() //nolint:errcheck // best-effort close on shutdown
		return cursor.Run(gctx, repo, cursorCfg, chainID, watcher.Position)
	})
	return nil
}

func cachedReservations(coord *cache.Coordinator) []market.Reservation {
	records := coord.All(market.KindBooking)
	out := make([]market.Reservation, 0, len(records))
	for _, rec := range records {
		if r, ok := rec.(market.Reservation); ok {
			out = append(out, r)
		}
	}
	return out
}

func refetchCachedBookings(ctx context.Context, coord *cache.Coordinator) error {
	records := coord.All(market.KindBooking)
	if len(records) == 0 {
		return nil
	}
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	return coord.RefetchKeys(ctx, market.KindBooking, keys)
}
