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
	"github.com/sirupsen/logrus"

	"github.com/blambuer10/human-step-mint/internal/api"
	"github.com/blambuer10/human-step-mint/internal/auth"
	"github.com/blambuer10/human-step-mint/internal/config"
	"github.com/blambuer10/human-step-mint/internal/ledger"
	"github.com/blambuer10/human-step-mint/internal/outbox"
	"github.com/blambuer10/human-step-mint/internal/persistence/postgres"
	"github.com/blambuer10/human-step-mint/internal/pipeline"
	httptransport "github.com/blambuer10/human-step-mint/internal/transport/http"
)

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

	repo := postgres.NewRepository(pool)
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, outbox.WithProducerLogger(logger.WithField("component", "kafka")))
	defer producer.Close()

	registry := outbox.NewRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
		outbox.WithLogger(logger.WithField("component", "outbox")))

	go dispatcher.Start(ctx)

	addrs, err := cfg.Contracts()
	if err != nil {
		logger.WithError(err).Fatal("resolve contract addresses")
	}
	funding, err := cfg.Funding()
	if err != nil {
		logger.WithError(err).Fatal("resolve funding method")
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		logger.WithError(err).WithField("rpc_url", cfg.RPCURL).Fatal("failed to dial chain")
	}
	defer rpc.Close()

	signer, err := ledger.NewSigner(ctx, rpc, cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		logger.WithError(err).Fatal("build signer")
	}
	chain := ledger.NewClient(rpc, addrs, signer,
		ledger.WithLogger(logger.WithField("component", "ledger")),
		ledger.WithFundingMethod(funding))

	submissions := pipeline.New(chain, pipeline.Config{
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		MintTimeout:         cfg.MintTimeout,
		Retention:           cfg.SubmissionRetention,
		ReadRetry:           cfg.ReadRetry(),
	},
		pipeline.WithLogger(logger.WithField("component", "pipeline")),
		pipeline.WithAttestor(pipeline.DelayAttestor{Delay: cfg.AttestationDelay}),
		pipeline.WithRecorder(repo),
	)

	limiter := api.NewCallerLimiter(cfg.SubmitRatePerMinute, cfg.SubmitBurst)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	handler := api.NewHandler(submissions, chain,
		api.WithLogger(logger.WithField("component", "api")),
		api.WithLimiter(limiter),
		api.WithAuditLog(repo),
		api.WithWaitTimeout(cfg.SubmitWaitTimeout),
		api.WithContracts(addrs),
		api.WithReadRetry(cfg.ReadRetry()),
	)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.PublicPaths)
	requestLogger := httptransport.RequestLogger(logger.WithField("component", "http"))
	cors := httptransport.CORS(cfg.CORSOrigin)

	// Submissions block until settled, so the write timeout must outlast the wait.
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:           cfg.HTTPAddress,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      cfg.SubmitWaitTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}, requestLogger(cors(authMiddleware.Wrap(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.HTTPAddress,
			"network": cfg.Network,
			"token":   addrs.Token.Hex(),
			"nft":     addrs.NFT.Hex(),
		}).Info("step-mint api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-shutdownCh

	// The drain window lets a submission that just started confirmation finish minting.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	// Stragglers are recorded as failed so the reconciler resolves their mints.
	if abandoned, err := submissions.Drain(shutdownCtx); err != nil {
		logger.WithError(err).WithField("abandoned", abandoned).Warn("submissions still running at shutdown")
	}

	cancel()
	dispatcher.Wait()
}
