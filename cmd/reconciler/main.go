package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/blambuer10/human-step-mint/internal/config"
	"github.com/blambuer10/human-step-mint/internal/consumer"
	"github.com/blambuer10/human-step-mint/internal/ledger"
	"github.com/blambuer10/human-step-mint/internal/persistence/postgres"
)

const recheckBatchSize = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger, err := cfg.Logger()
	if err != nil {
		logrus.WithError(err).Fatal("configure logger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pool.Close()

	addrs, err := cfg.Contracts()
	if err != nil {
		logger.WithError(err).Fatal("resolve contract addresses")
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		logger.WithError(err).WithField("rpc_url", cfg.RPCURL).Fatal("failed to dial chain")
	}
	defer rpc.Close()

	// Reads only; no signer is needed.
	chain := ledger.NewClient(rpc, addrs, nil, ledger.WithLogger(logger.WithField("component", "ledger")))

	handler := consumer.NewReconciliationHandler(chain, postgres.NewRepository(pool),
		consumer.WithScanDepth(cfg.ReconcileScanDepth),
		consumer.WithConfirmationGrace(cfg.ReconcileGrace),
		consumer.WithRecheckAttempts(cfg.ReconcileRecheckAttempts),
		consumer.WithReadRetry(cfg.ReadRetry()),
		consumer.WithHandlerLogger(logger.WithField("component", "reconciler")),
	)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.WithField("address", cfg.MetricsAddress).Info("reconciler metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           postgres.SubmissionTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(logger.WithField("component", "consumer")))

	// Mints still pending at the first scan are picked up by later rechecks.
	go func() {
		ticker := time.NewTicker(cfg.ReconcileRecheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				found, err := handler.Recheck(ctx, recheckBatchSize)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).Warn("reconciliation recheck failed")
				} else if found > 0 {
					logger.WithField("minted", found).Info("recheck found landed mints")
				}
			}
		}
	}()

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		logger.WithFields(logrus.Fields{
			"topic":      postgres.SubmissionTopic,
			"group":      cfg.ConsumerGroupID,
			"scan_depth": cfg.ReconcileScanDepth,
			"grace":      cfg.ReconcileGrace,
		}).Info("reconciler started")
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("reconciler shutdown requested")
	case <-done:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown error")
	}

	<-done
	if runErr != nil {
		// Exiting leaves the failed message uncommitted; it is redelivered on restart.
		logger.WithError(runErr).Error("reconciler stopped with error")
		os.Exit(1)
	}
}
