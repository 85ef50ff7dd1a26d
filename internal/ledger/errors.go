package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted indicates the transaction was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
	// ErrReadOnly is returned when a write is attempted without a signer.
	ErrReadOnly = errors.New("client has no signer")
	// ErrMintEventMissing is returned when a mined mint carries no ERC-721 Transfer log.
	ErrMintEventMissing = errors.New("mint receipt has no transfer event")
)

// ContractCallError describes a failed remote ledger call with enough context
// for an operator to reconcile ledger state.
type ContractCallError struct {
	Op       string
	Contract common.Address
	// TxHash is set once the transaction was broadcast; the call may still
	// have landed on-chain even though the client observed a failure.
	TxHash string
	Err    error
}

func (e *ContractCallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("ledger: %s on %s (tx %s): %v", e.Op, e.Contract.Hex(), e.TxHash, e.Err)
	}
	return fmt.Sprintf("ledger: %s on %s: %v", e.Op, e.Contract.Hex(), e.Err)
}

func (e *ContractCallError) Unwrap() error {
	return e.Err
}

// Broadcast reports whether the failing call reached the network.
func (e *ContractCallError) Broadcast() bool {
	return e.TxHash != ""
}

func callError(op string, contract common.Address, txHash string, err error) error {
	if err == nil {
		return nil
	}
	return &ContractCallError{Op: op, Contract: contract, TxHash: txHash, Err: err}
}

// Transient reports whether err is worth retrying from the caller side.
// Reverts and missing signers are permanent; cancellation is the caller's decision.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrReverted), errors.Is(err, ErrReadOnly), errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
