// Package ledger talks to the reward token and activity NFT contracts on an
// EVM chain. Every call is a fresh remote request; nothing is cached and
// writes are never deduplicated or retried here.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RewardContract is the ledger surface used by the submission pipeline,
// the deployment orchestrator and operator tooling.
type RewardContract interface {
	// MintActivity mints an activity NFT for recipient and waits for the transaction to be mined.
	MintActivity(ctx context.Context, recipient common.Address, metadata string) (MintReceipt, error)
	// FundRewardPool moves amount reward tokens from the issuer to the NFT contract.
	FundRewardPool(ctx context.Context, nft common.Address, amount *big.Int) (string, error)
	// GetRewardAmount reads the per-activity reward configured on the NFT contract.
	GetRewardAmount(ctx context.Context) (*big.Int, error)
	// GetBalance reads the reward token balance of holder.
	GetBalance(ctx context.Context, holder common.Address) (*big.Int, error)

	RewardToken(ctx context.Context) (common.Address, error)
	NextID(ctx context.Context) (*big.Int, error)
	ActivityMeta(ctx context.Context, id *big.Int) (string, error)
	TokenMetadata(ctx context.Context) (TokenMetadata, error)
	SetRewardAmount(ctx context.Context, amount *big.Int) (string, error)
}

// Addresses identifies a deployed contract pair.
type Addresses struct {
	Token common.Address
	NFT   common.Address
}

// MintReceipt is the decoded outcome of a mined mintActivity transaction.
type MintReceipt struct {
	NFTID     *big.Int
	Recipient common.Address
	// Reward is the token amount paid to the recipient in the same transaction,
	// or nil when the receipt carries no reward transfer.
	Reward      *big.Int
	TxHash      string
	BlockNumber uint64
}

// TokenMetadata is the standard ERC-20 read surface.
type TokenMetadata struct {
	Name        string   `json:"name"`
	Symbol      string   `json:"symbol"`
	Decimals    uint8    `json:"decimals"`
	TotalSupply *big.Int `json:"total_supply"`
}

// FundingMethod selects how FundRewardPool moves tokens into the NFT contract.
type FundingMethod string

const (
	// FundingTransfer transfers tokens from the issuer's existing balance.
	FundingTransfer FundingMethod = "transfer"
	// FundingMint mints fresh tokens directly to the NFT contract.
	FundingMint FundingMethod = "mint"
)
