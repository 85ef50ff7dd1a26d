package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	tokenAddr     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	nftAddr       = common.HexToAddress("0x2000000000000000000000000000000000000002")
	recipientAddr = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func TestFormatAndParseUnits(t *testing.T) {
	ten, err := ParseUnits("10", 18)
	require.NoError(t, err)
	require.Equal(t, "10000000000000000000", ten.String())
	require.Equal(t, "10", FormatUnits(ten, 18))

	quarter, err := ParseUnits("0.25", 18)
	require.NoError(t, err)
	require.Equal(t, "250000000000000000", quarter.String())
	require.Equal(t, "0.25", FormatUnits(quarter, 18))

	require.Equal(t, "0.000000000000000001", FormatUnits(big.NewInt(1), 18))
	require.Equal(t, "0", FormatUnits(nil, 18))
	require.Equal(t, "42", FormatUnits(big.NewInt(42), 0))

	_, err = ParseUnits("1.0000000000000000001", 18)
	require.Error(t, err)
	_, err = ParseUnits("-1", 18)
	require.Error(t, err)
	_, err = ParseUnits("ten", 18)
	require.Error(t, err)
	_, err = ParseUnits("", 18)
	require.Error(t, err)
}

func TestDecodeMintReceiptExtractsIDAndReward(t *testing.T) {
	reward, _ := ParseUnits("10", 18)
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: big.NewInt(77),
		Logs: []*types.Log{
			{
				Address: nftAddr,
				Topics: []common.Hash{
					transferEventID,
					common.BytesToHash(common.Address{}.Bytes()),
					common.BytesToHash(recipientAddr.Bytes()),
					common.BigToHash(big.NewInt(7)),
				},
			},
			{
				Address: tokenAddr,
				Topics: []common.Hash{
					transferEventID,
					common.BytesToHash(nftAddr.Bytes()),
					common.BytesToHash(recipientAddr.Bytes()),
				},
				Data: common.LeftPadBytes(reward.Bytes(), 32),
			},
		},
	}

	decoded, err := decodeMintReceipt(receipt, Addresses{Token: tokenAddr, NFT: nftAddr}, recipientAddr)
	require.NoError(t, err)
	require.Equal(t, int64(7), decoded.NFTID.Int64())
	require.Equal(t, 0, reward.Cmp(decoded.Reward))
	require.Equal(t, uint64(77), decoded.BlockNumber)
	require.Equal(t, receipt.TxHash.Hex(), decoded.TxHash)
}

func TestDecodeMintReceiptIgnoresUnrelatedTransfers(t *testing.T) {
	other := common.HexToAddress("0x4000000000000000000000000000000000000004")
	receipt := &types.Receipt{
		Logs: []*types.Log{
			{
				// A transfer between holders, not a mint.
				Address: nftAddr,
				Topics: []common.Hash{
					transferEventID,
					common.BytesToHash(other.Bytes()),
					common.BytesToHash(recipientAddr.Bytes()),
					common.BigToHash(big.NewInt(3)),
				},
			},
		},
	}

	decoded, err := decodeMintReceipt(receipt, Addresses{Token: tokenAddr, NFT: nftAddr}, recipientAddr)
	require.ErrorIs(t, err, ErrMintEventMissing)
	require.Nil(t, decoded.Reward)
}

func TestContractCallErrorUnwraps(t *testing.T) {
	err := callError("mintActivity", nftAddr, "0xdead", context.DeadlineExceeded)

	var callErr *ContractCallError
	require.ErrorAs(t, err, &callErr)
	require.True(t, callErr.Broadcast())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "0xdead")
	require.Nil(t, callError("noop", nftAddr, "", nil))
}

func TestRetryReadRetriesTransientErrors(t *testing.T) {
	calls := 0
	value, err := RetryRead(context.Background(), RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, callError("balanceOf", tokenAddr, "", errors.New("connection reset"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)
	require.Equal(t, 3, calls)
}

func TestRetryReadStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := RetryRead(context.Background(), RetryPolicy{Attempts: 5, InitialInterval: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, callError("balanceOf", tokenAddr, "", ErrReverted)
	})
	require.ErrorIs(t, err, ErrReverted)
	require.Equal(t, 1, calls)
}

func TestParseArtifact(t *testing.T) {
	raw := []byte(`{"contractName":"RewardToken","abi":null,"bytecode":"0x6080604052"}`)
	artifact, err := ParseArtifact(raw, RewardTokenABI)
	require.NoError(t, err)
	require.Equal(t, "RewardToken", artifact.ContractName)
	require.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, artifact.Bytecode)
	require.Contains(t, artifact.ABI.Methods, "balanceOf")

	_, err = ParseArtifact([]byte(`{"contractName":"Empty","bytecode":"0x"}`), RewardTokenABI)
	require.Error(t, err)
}

func TestEmbeddedABIsExposeContractSurface(t *testing.T) {
	for _, method := range []string{"mint", "transfer", "balanceOf", "name", "symbol", "decimals", "totalSupply"} {
		require.Contains(t, rewardTokenABI.Methods, method)
	}
	for _, method := range []string{"mintActivity", "setRewardAmount", "nextId", "activityMeta", "rewardToken", "rewardAmount"} {
		require.Contains(t, activityNFTABI.Methods, method)
	}
	require.Equal(t, rewardTokenABI.Events["Transfer"].ID, activityNFTABI.Events["Transfer"].ID)
	require.Len(t, activityNFTABI.Constructor.Inputs, 2)
}
