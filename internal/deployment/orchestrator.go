// Package deployment creates, funds and verifies the reward token and activity
// NFT contracts for an environment.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/blambuer10/human-step-mint/internal/ledger"
)

// Deployment steps, in execution order.
const (
	StepDeployToken = "deploy_token"
	StepDeployNFT   = "deploy_nft"
	StepFund        = "fund"
	StepVerify      = "verify"
)

var (
	// ErrAlreadyRan is returned by every Run after the first.
	ErrAlreadyRan = errors.New("deployment already ran")
	// ErrInvalidPlan is returned when amounts are missing or inconsistent.
	ErrInvalidPlan = errors.New("invalid deployment plan")
	// ErrVerificationFailed wraps post-deployment invariant violations.
	ErrVerificationFailed = errors.New("deployment verification failed")
)

// DeploymentError reports the step that stopped a deployment and whatever
// contracts already exist on-chain.
type DeploymentError struct {
	Step         string
	TokenAddress common.Address
	NFTAddress   common.Address
	Err          error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment failed at %s: %v", e.Step, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// Deployer creates the two contracts and binds a client to them.
// *ledger.Deployer satisfies it.
type Deployer interface {
	Account() common.Address
	DeployRewardToken(ctx context.Context) (ledger.Deployed, error)
	DeployActivityNFT(ctx context.Context, token common.Address, rewardPerActivity *big.Int) (ledger.Deployed, error)
	Bind(addrs ledger.Addresses) ledger.RewardContract
}

// Plan holds the amounts and labels for a deployment.
type Plan struct {
	Network           string
	ChainID           int64
	RewardPerActivity *big.Int
	FundingAmount     *big.Int
}

// DefaultPlan rewards 10 tokens per activity from a 10,000 token pool.
func DefaultPlan(network string, chainID int64) Plan {
	reward, _ := ledger.ParseUnits("10", ledger.DefaultDecimals)
	funding, _ := ledger.ParseUnits("10000", ledger.DefaultDecimals)
	return Plan{Network: network, ChainID: chainID, RewardPerActivity: reward, FundingAmount: funding}
}

func (p Plan) validate() error {
	switch {
	case p.RewardPerActivity == nil || p.RewardPerActivity.Sign() <= 0:
		return fmt.Errorf("%w: reward per activity must be positive", ErrInvalidPlan)
	case p.FundingAmount == nil || p.FundingAmount.Sign() <= 0:
		return fmt.Errorf("%w: funding amount must be positive", ErrInvalidPlan)
	case p.FundingAmount.Cmp(p.RewardPerActivity) < 0:
		return fmt.Errorf("%w: funding amount %s is below one reward %s", ErrInvalidPlan, p.FundingAmount, p.RewardPerActivity)
	}
	return nil
}

// Option configures optional behaviour for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger used for step progress.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source stamped on records.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs the one-time deployment sequence.
type Orchestrator struct {
	deployer Deployer
	plan     Plan
	logger   logrus.FieldLogger
	now      func() time.Time

	mu  sync.Mutex
	ran bool
}

// NewOrchestrator constructs an Orchestrator for plan.
func NewOrchestrator(deployer Deployer, plan Plan, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deployer: deployer,
		plan:     plan,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run deploys the token, deploys the NFT contract bound to it, funds the NFT
// contract and verifies the result. Each step waits for its transaction to be
// mined before the next begins. A funding failure returns the partial record
// alongside the error.
func (o *Orchestrator) Run(ctx context.Context) (Record, error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return Record{}, ErrAlreadyRan
	}
	o.ran = true
	o.mu.Unlock()

	if err := o.plan.validate(); err != nil {
		return Record{}, err
	}

	record := Record{
		Network:           o.plan.Network,
		ChainID:           o.plan.ChainID,
		Deployer:          o.deployer.Account(),
		FundingAmount:     new(big.Int).Set(o.plan.FundingAmount),
		RewardPerActivity: new(big.Int).Set(o.plan.RewardPerActivity),
		CreatedAt:         o.now().UTC(),
	}
	logger := o.logger.WithFields(logrus.Fields{"network": record.Network, "deployer": record.Deployer.Hex()})

	started := time.Now()
	token, err := o.deployer.DeployRewardToken(ctx)
	observeStep(StepDeployToken, started, err)
	if err != nil {
		return Record{}, &DeploymentError{Step: StepDeployToken, Err: err}
	}
	record.TokenContractAddress = token.Address
	record.Transactions.DeployToken = token.TxHash
	logger.WithFields(logrus.Fields{"step": StepDeployToken, "address": token.Address.Hex(), "tx_hash": token.TxHash}).Info("reward token deployed")

	started = time.Now()
	nft, err := o.deployer.DeployActivityNFT(ctx, token.Address, o.plan.RewardPerActivity)
	observeStep(StepDeployNFT, started, err)
	if err != nil {
		return Record{}, &DeploymentError{Step: StepDeployNFT, TokenAddress: token.Address, Err: err}
	}
	record.NFTContractAddress = nft.Address
	record.Transactions.DeployNFT = nft.TxHash
	logger.WithFields(logrus.Fields{"step": StepDeployNFT, "address": nft.Address.Hex(), "tx_hash": nft.TxHash}).Info("activity nft deployed")

	contract := o.deployer.Bind(ledger.Addresses{Token: token.Address, NFT: nft.Address})

	started = time.Now()
	fundTx, err := contract.FundRewardPool(ctx, nft.Address, o.plan.FundingAmount)
	observeStep(StepFund, started, err)
	record.Transactions.Fund = fundTx
	if err != nil {
		record.FundingFailed = true
		logger.WithFields(logrus.Fields{"step": StepFund, "error": err}).Error("funding failed; contracts deployed but unfunded")
		return record, &DeploymentError{Step: StepFund, TokenAddress: token.Address, NFTAddress: nft.Address, Err: err}
	}
	logger.WithFields(logrus.Fields{"step": StepFund, "amount": o.plan.FundingAmount.String(), "tx_hash": fundTx}).Info("reward pool funded")

	started = time.Now()
	err = verify(ctx, contract, record)
	observeStep(StepVerify, started, err)
	if err != nil {
		return record, &DeploymentError{Step: StepVerify, TokenAddress: token.Address, NFTAddress: nft.Address, Err: err}
	}
	record.Verified = true
	logger.WithField("step", StepVerify).Info("deployment verified")
	return record, nil
}

// verify re-reads the ledger: the NFT contract must pay in the deployed token
// and hold at least one reward.
func verify(ctx context.Context, contract ledger.RewardContract, record Record) error {
	paysIn, err := ledger.RetryRead(ctx, ledger.DefaultRetryPolicy, contract.RewardToken)
	if err != nil {
		return fmt.Errorf("read reward token: %w", err)
	}
	if paysIn != record.TokenContractAddress {
		return fmt.Errorf("%w: nft pays in %s, expected %s", ErrVerificationFailed, paysIn.Hex(), record.TokenContractAddress.Hex())
	}

	balance, err := ledger.RetryRead(ctx, ledger.DefaultRetryPolicy, func(ctx context.Context) (*big.Int, error) {
		return contract.GetBalance(ctx, record.NFTContractAddress)
	})
	if err != nil {
		return fmt.Errorf("read pool balance: %w", err)
	}
	if balance.Cmp(record.RewardPerActivity) < 0 {
		return fmt.Errorf("%w: pool balance %s is below one reward %s", ErrVerificationFailed, balance, record.RewardPerActivity)
	}
	return nil
}
