package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Artifact is the subset of a Hardhat compilation artifact needed to deploy a contract.
type Artifact struct {
	ContractName string
	ABI          abi.ABI
	Bytecode     []byte
}

type hardhatArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// LoadArtifact reads a Hardhat artifact JSON file. When the artifact carries
// no ABI the embedded fallback ABI is used.
func LoadArtifact(path string, fallbackABI string) (Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return ParseArtifact(raw, fallbackABI)
}

// ParseArtifact decodes Hardhat artifact bytes.
func ParseArtifact(raw []byte, fallbackABI string) (Artifact, error) {
	var doc hardhatArtifact
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}

	abiJSON := fallbackABI
	if len(bytes.TrimSpace(doc.ABI)) > 0 && string(doc.ABI) != "null" {
		abiJSON = string(doc.ABI)
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return Artifact{}, fmt.Errorf("parse artifact abi: %w", err)
	}

	code := common.FromHex(strings.TrimSpace(doc.Bytecode))
	if len(code) == 0 {
		return Artifact{}, fmt.Errorf("artifact %q has no bytecode", doc.ContractName)
	}
	return Artifact{ContractName: doc.ContractName, ABI: parsed, Bytecode: code}, nil
}

// Deployed identifies a contract created by a mined deployment transaction.
type Deployed struct {
	Address common.Address
	TxHash  string
}

// Deployer creates the reward token and activity NFT contracts.
type Deployer struct {
	backend Backend
	signer  *bind.TransactOpts
	token   Artifact
	nft     Artifact
	funding FundingMethod
	logger  logrus.FieldLogger
}

// NewDeployer constructs a Deployer signing with signer.
func NewDeployer(backend Backend, signer *bind.TransactOpts, token, nft Artifact, funding FundingMethod, logger logrus.FieldLogger) *Deployer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if funding == "" {
		funding = FundingTransfer
	}
	return &Deployer{backend: backend, signer: signer, token: token, nft: nft, funding: funding, logger: logger}
}

// Account returns the deploying account.
func (d *Deployer) Account() common.Address {
	return d.signer.From
}

// DeployRewardToken deploys the ERC-20 issuer and waits until its code is on-chain.
func (d *Deployer) DeployRewardToken(ctx context.Context) (Deployed, error) {
	return d.deploy(ctx, "deployRewardToken", d.token)
}

// DeployActivityNFT deploys the NFT minter bound to token with a fixed reward per activity.
func (d *Deployer) DeployActivityNFT(ctx context.Context, token common.Address, rewardPerActivity *big.Int) (Deployed, error) {
	return d.deploy(ctx, "deployActivityNFT", d.nft, token, rewardPerActivity)
}

// Bind returns a client for an already deployed pair, signing with the deployer account.
func (d *Deployer) Bind(addrs Addresses) RewardContract {
	return NewClient(d.backend, addrs, d.signer, WithFundingMethod(d.funding), WithLogger(d.logger))
}

func (d *Deployer) deploy(ctx context.Context, op string, artifact Artifact, params ...interface{}) (Deployed, error) {
	opts := *d.signer
	opts.Context = ctx

	addr, tx, _, err := bind.DeployContract(&opts, artifact.ABI, artifact.Bytecode, d.backend, params...)
	if err != nil {
		return Deployed{}, callError(op, common.Address{}, "", err)
	}
	txHash := tx.Hash().Hex()
	d.logger.WithFields(logrus.Fields{"contract": artifact.ContractName, "tx_hash": txHash}).Info("deployment broadcast")

	if _, err := bind.WaitDeployed(ctx, d.backend, tx); err != nil {
		return Deployed{}, callError(op, addr, txHash, err)
	}
	return Deployed{Address: addr, TxHash: txHash}, nil
}
