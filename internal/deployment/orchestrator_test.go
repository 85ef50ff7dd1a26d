package deployment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/blambuer10/human-step-mint/internal/ledger"
	"github.com/blambuer10/human-step-mint/internal/testsupport"
)

var deployerAccount = common.HexToAddress("0x00000000000000000000000000000000000000d1")

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newOrchestrator(chain *testsupport.Ledger) *Orchestrator {
	clock := func() time.Time { return time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC) }
	return NewOrchestrator(chain, DefaultPlan("iotex_testnet", 4690), WithLogger(quietLogger()), WithClock(clock))
}

func TestRunDeploysFundsAndVerifies(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)

	record, err := newOrchestrator(chain).Run(context.Background())
	require.NoError(t, err)
	require.True(t, record.Complete())
	require.False(t, record.FundingFailed)
	require.Equal(t, deployerAccount, record.Deployer)
	require.Equal(t, "iotex_testnet", record.Network)
	require.Equal(t, int64(4690), record.ChainID)
	require.NotEqual(t, common.Address{}, record.TokenContractAddress)
	require.NotEqual(t, record.TokenContractAddress, record.NFTContractAddress)
	require.NotEmpty(t, record.Transactions.DeployToken)
	require.NotEmpty(t, record.Transactions.DeployNFT)
	require.NotEmpty(t, record.Transactions.Fund)

	ctx := context.Background()
	paysIn, err := chain.RewardToken(ctx)
	require.NoError(t, err)
	require.Equal(t, record.TokenContractAddress, paysIn)

	balance, err := chain.GetBalance(ctx, record.NFTContractAddress)
	require.NoError(t, err)
	require.Equal(t, 0, testsupport.Units("10000").Cmp(balance))

	reward, err := chain.GetRewardAmount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, testsupport.Units("10").Cmp(reward))
}

func TestRunTwiceIsRefused(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	orchestrator := newOrchestrator(chain)

	_, err := orchestrator.Run(context.Background())
	require.NoError(t, err)
	_, err = orchestrator.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRan)
	require.Equal(t, 1, chain.Calls(testsupport.OpDeployToken))
}

func TestRunWithMintFunding(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	chain.SetInitialSupply(testsupport.Units("0"))
	chain.SetFundingMethod(ledger.FundingMint)

	record, err := newOrchestrator(chain).Run(context.Background())
	require.NoError(t, err)
	require.True(t, record.Verified)
}

func TestTokenDeploymentFailureReportsNoAddresses(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	chain.SetFault(testsupport.OpDeployToken, testsupport.FaultRevert)

	_, err := newOrchestrator(chain).Run(context.Background())
	var deployErr *DeploymentError
	require.ErrorAs(t, err, &deployErr)
	require.Equal(t, StepDeployToken, deployErr.Step)
	require.Equal(t, common.Address{}, deployErr.TokenAddress)
	require.ErrorIs(t, err, ledger.ErrReverted)
	require.Zero(t, chain.Calls(testsupport.OpDeployNFT))
}

func TestNFTDeploymentFailureReportsToken(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	chain.SetFault(testsupport.OpDeployNFT, testsupport.FaultUnreachable)

	_, err := newOrchestrator(chain).Run(context.Background())
	var deployErr *DeploymentError
	require.ErrorAs(t, err, &deployErr)
	require.Equal(t, StepDeployNFT, deployErr.Step)
	require.NotEqual(t, common.Address{}, deployErr.TokenAddress)
	require.Zero(t, chain.Calls(testsupport.OpFund))
}

func TestFundingFailureReturnsPartialRecord(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	chain.SetFault(testsupport.OpFund, testsupport.FaultRevert)

	record, err := newOrchestrator(chain).Run(context.Background())
	var deployErr *DeploymentError
	require.ErrorAs(t, err, &deployErr)
	require.Equal(t, StepFund, deployErr.Step)
	require.True(t, record.FundingFailed)
	require.False(t, record.Verified)
	require.False(t, record.Complete())
	require.Equal(t, record.TokenContractAddress, deployErr.TokenAddress)
	require.Equal(t, record.NFTContractAddress, deployErr.NFTAddress)
	require.NotEqual(t, common.Address{}, record.NFTContractAddress)
}

func TestInsufficientIssuerBalanceFailsFunding(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	chain.SetInitialSupply(testsupport.Units("5"))

	record, err := newOrchestrator(chain).Run(context.Background())
	require.Error(t, err)
	require.True(t, record.FundingFailed)
}

func TestVerifyDetectsWrongRewardToken(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	impostor := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	orchestrator := NewOrchestrator(&rebindingDeployer{Ledger: chain, token: impostor}, DefaultPlan("local", 31337), WithLogger(quietLogger()))

	record, err := orchestrator.Run(context.Background())
	var deployErr *DeploymentError
	require.ErrorAs(t, err, &deployErr)
	require.Equal(t, StepVerify, deployErr.Step)
	require.ErrorIs(t, err, ErrVerificationFailed)
	require.False(t, record.Verified)
	require.False(t, record.FundingFailed)
}

// rebindingDeployer points the NFT contract at another token once funded.
type rebindingDeployer struct {
	*testsupport.Ledger
	token common.Address
}

func (d *rebindingDeployer) Bind(addrs ledger.Addresses) ledger.RewardContract {
	return &rebound{Ledger: d.Ledger, token: d.token}
}

type rebound struct {
	*testsupport.Ledger
	token common.Address
}

func (r *rebound) RewardToken(context.Context) (common.Address, error) {
	return r.token, nil
}

func TestInvalidPlanIsRejectedBeforeAnyTransaction(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	plan := DefaultPlan("local", 31337)
	plan.FundingAmount = testsupport.Units("1")

	_, err := NewOrchestrator(chain, plan, WithLogger(quietLogger())).Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidPlan)
	require.Zero(t, chain.Calls(testsupport.OpDeployToken))
}

func TestArtifactRoundTrip(t *testing.T) {
	chain := testsupport.NewLedger(deployerAccount)
	record, err := newOrchestrator(chain).Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "deployments", "iotex_testnet.json")
	require.NoError(t, WriteArtifact(path, record))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"funding_amount": "10000000000000000000000"`)
	require.Contains(t, string(raw), `"token_contract_address": "`+record.TokenContractAddress.Hex()+`"`)

	loaded, err := ReadArtifact(path)
	require.NoError(t, err)
	require.Equal(t, record.TokenContractAddress, loaded.TokenContractAddress)
	require.Equal(t, record.NFTContractAddress, loaded.NFTContractAddress)
	require.Equal(t, 0, record.FundingAmount.Cmp(loaded.FundingAmount))
	require.Equal(t, record.Transactions, loaded.Transactions)
	require.True(t, loaded.CreatedAt.Equal(record.CreatedAt))
	require.True(t, loaded.Complete())
}

func TestReadArtifactRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token_contract_address":"nope","nft_contract_address":"0x0000000000000000000000000000000000000001"}`), 0o600))

	_, err := ReadArtifact(path)
	require.Error(t, err)
}
