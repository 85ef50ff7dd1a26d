// Command deploy creates the reward token and activity NFT contracts, funds
// the reward pool and writes the deployment artifact.
//
// Exit status is 0 for a complete deployment, 2 when the contracts exist but
// funding failed, and 1 for anything else.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/blambuer10/human-step-mint/internal/config"
	"github.com/blambuer10/human-step-mint/internal/deployment"
	"github.com/blambuer10/human-step-mint/internal/ledger"
)

const (
	exitFatal   = 1
	exitPartial = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Error("load config")
		return exitFatal
	}
	logger, err := cfg.Logger()
	if err != nil {
		logrus.WithError(err).Error("configure logger")
		return exitFatal
	}

	plan, err := cfg.DeploymentPlan()
	if err != nil {
		logger.WithError(err).Error("invalid deployment plan")
		return exitFatal
	}
	funding, err := cfg.Funding()
	if err != nil {
		logger.WithError(err).Error("invalid funding method")
		return exitFatal
	}
	if cfg.PrivateKey == "" {
		logger.Error("PRIVATE_KEY is required")
		return exitFatal
	}

	tokenArtifact, err := ledger.LoadArtifact(cfg.TokenArtifactPath, ledger.RewardTokenABI)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.TokenArtifactPath).Error("load reward token artifact")
		return exitFatal
	}
	nftArtifact, err := ledger.LoadArtifact(cfg.NFTArtifactPath, ledger.ActivityNFTABI)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.NFTArtifactPath).Error("load activity nft artifact")
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.DeployTimeout)
	defer cancel()

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		logger.WithError(err).WithField("rpc_url", cfg.RPCURL).Error("failed to dial chain")
		return exitFatal
	}
	defer rpc.Close()

	signer, err := ledger.NewSigner(ctx, rpc, cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		logger.WithError(err).Error("build signer")
		return exitFatal
	}

	deployer := ledger.NewDeployer(rpc, signer, tokenArtifact, nftArtifact, funding, logger.WithField("component", "deployer"))
	orchestrator := deployment.NewOrchestrator(deployer, plan, deployment.WithLogger(logger.WithField("component", "deployment")))

	logger.WithFields(logrus.Fields{
		"network":             plan.Network,
		"chain_id":            plan.ChainID,
		"deployer":            deployer.Account().Hex(),
		"reward_per_activity": ledger.FormatUnits(plan.RewardPerActivity, ledger.DefaultDecimals),
		"funding_amount":      ledger.FormatUnits(plan.FundingAmount, ledger.DefaultDecimals),
	}).Info("starting deployment")

	record, runErr := orchestrator.Run(ctx)

	if runErr != nil && record.NFTContractAddress == (common.Address{}) {
		fields := logrus.Fields{}
		var deployErr *deployment.DeploymentError
		if errors.As(runErr, &deployErr) && deployErr.TokenAddress != (common.Address{}) {
			fields["orphaned_token"] = deployErr.TokenAddress.Hex()
		}
		logger.WithError(runErr).WithFields(fields).Error("deployment failed")
		return exitFatal
	}

	if err := deployment.WriteArtifact(cfg.DeploymentArtifact, record); err != nil {
		logger.WithError(err).WithField("path", cfg.DeploymentArtifact).Error("write deployment artifact")
		return exitFatal
	}

	fmt.Printf("REWARD_TOKEN_ADDRESS=%s\n", record.TokenContractAddress.Hex())
	fmt.Printf("ACTIVITY_NFT_ADDRESS=%s\n", record.NFTContractAddress.Hex())

	switch {
	case record.Complete():
		logger.WithField("artifact", cfg.DeploymentArtifact).Info("deployment complete")
		return 0
	case record.FundingFailed:
		logger.WithError(runErr).Warn("contracts deployed but the reward pool is unfunded; fund it before accepting submissions")
		return exitPartial
	default:
		logger.WithError(runErr).Error("deployment verification failed")
		return exitFatal
	}
}
