package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// decodeMintReceipt extracts the minted token id from the ERC-721
// Transfer(0x0, recipient, id) log and the paid reward from the ERC-20
// Transfer(nft, recipient, value) log emitted in the same transaction.
func decodeMintReceipt(receipt *types.Receipt, addrs Addresses, recipient common.Address) (MintReceipt, error) {
	out := MintReceipt{
		Recipient:   recipient,
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: blockNumber(receipt),
	}

	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != transferEventID {
			continue
		}

		switch {
		case lg.Address == addrs.NFT && len(lg.Topics) == 4:
			from := common.BytesToAddress(lg.Topics[1].Bytes())
			to := common.BytesToAddress(lg.Topics[2].Bytes())
			if from != (common.Address{}) || to != recipient {
				continue
			}
			out.NFTID = new(big.Int).SetBytes(lg.Topics[3].Bytes())
		case lg.Address == addrs.Token && len(lg.Topics) == 3:
			from := common.BytesToAddress(lg.Topics[1].Bytes())
			to := common.BytesToAddress(lg.Topics[2].Bytes())
			if from != addrs.NFT || to != recipient {
				continue
			}
			out.Reward = new(big.Int).SetBytes(lg.Data)
		}
	}

	if out.NFTID == nil {
		return out, ErrMintEventMissing
	}
	return out, nil
}

func blockNumber(receipt *types.Receipt) uint64 {
	if receipt.BlockNumber == nil {
		return 0
	}
	return receipt.BlockNumber.Uint64()
}
