package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"lprewards/analytics"
	"lprewards/chain"
	"lprewards/claims"
	"lprewards/config"
	"lprewards/lifecycle"
	"lprewards/observability"
	"lprewards/observability/logging"
	telemetry "lprewards/observability/otel"
	"lprewards/oracle"
	"lprewards/recon"
	"lprewards/rewards"
	"lprewards/server"
	"lprewards/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to the rewards daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("lprewardsd: load config: %v", err)
	}

	logger := logging.Setup("lprewardsd", cfg.Environment, logging.Options{
		Level: logging.ParseLevel(cfg.LogLevel),
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lprewardsd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		log.Fatalf("lprewardsd: init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	metrics := observability.Service()

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("lprewardsd: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	rewardContract := mustAddress("chain reward_contract", cfg.Chain.RewardContract)
	rewardToken := mustAddress("chain reward_token", cfg.Chain.RewardToken)
	treasuryHolder := rewardContract
	if strings.TrimSpace(cfg.Chain.Treasury) != "" {
		treasuryHolder = mustAddress("chain treasury", cfg.Chain.Treasury)
	}

	programStart, err := time.Parse(time.RFC3339, cfg.Program.Start)
	if err != nil {
		log.Fatalf("lprewardsd: program start: %v", err)
	}
	if err := store.SeedProgram(ctx, storage.TreasuryConfig{
		TotalAllocation:       cfg.Program.TotalAllocation,
		ProgramStartTime:      programStart.UTC(),
		ProgramDurationDays:   cfg.Program.DurationDays,
		DailyBudget:           cfg.Program.DailyBudget,
		RewardContractAddress: strings.ToLower(rewardContract.Hex()),
		TokenAddress:          strings.ToLower(rewardToken.Hex()),
	}, storage.ProgramSettings{
		TimeBoostCoefficient:     cfg.Program.TimeBoostCoefficient,
		FullRangeBonus:           cfg.Program.FullRangeBonus,
		InRangeMultiplier:        cfg.Program.InRangeMultiplier,
		SignificanceThresholdUSD: cfg.Program.SignificanceThreshold,
		AbsoluteMaxClaimUnits:    cfg.Program.AbsoluteMaxClaim,
	}); err != nil {
		log.Fatalf("lprewardsd: seed program: %v", err)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.Chain.CallTimeout.Duration)
	client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL)
	cancelDial()
	if err != nil {
		log.Fatalf("lprewardsd: dial chain: %v", err)
	}
	reader := chain.NewReader(client, chain.Config{
		Pool:            mustAddress("chain pool", cfg.Chain.Pool),
		PositionManager: mustAddress("chain position_manager", cfg.Chain.PositionManager),
		RewardContract:  rewardContract,
		RewardToken:     rewardToken,
		CallTimeout:     cfg.Chain.CallTimeout.Duration,
		MaxAttempts:     cfg.Chain.MaxAttempts,
		RetryBaseDelay:  cfg.Chain.RetryBaseDelay.Duration,
		RetryMaxDelay:   cfg.Chain.RetryMaxDelay.Duration,
		MaxQPS:          cfg.Chain.MaxQPS,
		Cooldown:        cfg.Chain.Cooldown.Duration,
	}, chain.WithMetrics(metrics))

	verifyCtx, cancelVerify := context.WithTimeout(ctx, cfg.Chain.CallTimeout.Duration)
	err = reader.VerifyChainID(verifyCtx, cfg.Chain.ChainID)
	cancelVerify()
	if err != nil {
		log.Fatalf("lprewardsd: verify chain id: %v", err)
	}

	quotes := oracle.New(
		oracle.NewHTTPSource(cfg.Oracle.Endpoint, cfg.Oracle.RequestTimeout.Duration),
		cfg.Oracle.CacheTTL.Duration,
		cfg.Oracle.StaleHorizon.Duration,
		oracle.WithMetrics(metrics),
	)

	valuer := lifecycle.NewValuer(reader, quotes)
	reconciler := lifecycle.NewReconciler(store, reader, valuer, lifecycle.Config{
		Interval:          cfg.Lifecycle.Interval.Duration,
		UserConcurrency:   cfg.Lifecycle.UserConcurrency,
		BurnConfirmations: cfg.Lifecycle.BurnConfirmations,
		BurnWindow:        cfg.Lifecycle.BurnWindow.Duration,
	}, lifecycle.WithLogger(logger), lifecycle.WithMetrics(metrics))
	registrar := lifecycle.NewRegistrar(store, reader, valuer,
		lifecycle.WithRegistrarLogger(logger), lifecycle.WithRegistrarMetrics(metrics))

	validator, err := recon.NewValidator(recon.Config{
		Store:    store,
		Reader:   reader,
		Valuer:   valuer,
		Interval: cfg.Sync.Interval.Duration,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf("lprewardsd: sync validator: %v", err)
	}

	accountant := rewards.NewAccountant(store, reader, quotes, rewards.Config{
		EpochLength:  cfg.Rewards.EpochLength.Duration,
		WakeInterval: cfg.Rewards.WakeInterval.Duration,
	}, rewards.WithLogger(logger), rewards.WithMetrics(metrics))

	aggregator := analytics.New(store, reader, quotes, analytics.Config{
		Treasury:    treasuryHolder,
		RewardAsset: cfg.Oracle.RewardAsset,
	}, analytics.WithLogger(logger), analytics.WithMetrics(metrics))

	signer, err := buildSigner(cfg.Claims)
	if err != nil {
		log.Fatalf("lprewardsd: claims signer: %v", err)
	}
	logger.Info("claims signer ready", "calculator", strings.ToLower(signer.Address().Hex()))

	authorizer := claims.NewAuthorizer(store, reader, signer, claims.Config{
		ChainID:        cfg.Chain.ChainID,
		RewardContract: rewardContract,
	}, claims.WithLogger(logger), claims.WithMetrics(metrics))

	authenticator, err := server.NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		log.Fatalf("lprewardsd: admin auth: %v", err)
	}

	srv, err := server.New(server.Config{
		Listen:        cfg.Listen,
		Store:         store,
		Registrar:     registrar,
		Reconciler:    reconciler,
		Authorizer:    authorizer,
		Analytics:     aggregator,
		Sync:          validator,
		Auth:          authenticator,
		Logger:        logger,
		ReadTimeout:   cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:  cfg.HTTP.WriteTimeout.Duration,
		ShutdownGrace: cfg.HTTP.ShutdownGrace.Duration,
	})
	if err != nil {
		log.Fatalf("lprewardsd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, runCtx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return reconciler.Run(runCtx) })
	g.Go(func() error { return validator.Run(runCtx) })
	g.Go(func() error { return accountant.Run(runCtx) })
	g.Go(func() error { return srv.Run(runCtx) })

	logger.Info("rewards daemon started", "listen", cfg.Listen, "chainId", cfg.Chain.ChainID)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("lprewardsd: %v", err)
	}
	logger.Info("rewards daemon stopped")
}

func mustAddress(name, raw string) common.Address {
	normalized, err := storage.NormalizeAddress(raw)
	if err != nil {
		log.Fatalf("lprewardsd: %s: invalid address %q", name, raw)
	}
	return common.HexToAddress(normalized)
}

func buildSigner(cfg config.ClaimsConfig) (claims.Signer, error) {
	if cfg.Signer == "remote" {
		normalized, err := storage.NormalizeAddress(cfg.Remote.Address)
		if err != nil {
			return nil, fmt.Errorf("remote signer address: %w", err)
		}
		return claims.NewRemoteSigner(claims.RemoteConfig{
			Endpoint:   cfg.Remote.Endpoint,
			KeyLabel:   cfg.Remote.KeyLabel,
			Address:    common.HexToAddress(normalized),
			CACertPath: cfg.Remote.CAPath,
			ClientCert: cfg.Remote.CertPath,
			ClientKey:  cfg.Remote.KeyPath,
			Timeout:    cfg.Remote.Timeout.Duration,
		})
	}
	return claims.NewLocalSigner(cfg.SignerKey)
}
