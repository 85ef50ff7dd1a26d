// Package testsupport provides an in-memory reward ledger with injectable
// faults for exercising the pipeline and deployment flows without a chain.
package testsupport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blambuer10/human-step-mint/internal/ledger"
)

// Fault selects how a ledger operation misbehaves.
type Fault int

const (
	FaultNone Fault = iota
	// FaultTimeout blocks until the caller's context expires.
	FaultTimeout
	// FaultRevert mines the transaction with a failed status.
	FaultRevert
	// FaultUnreachable fails before anything reaches the network.
	FaultUnreachable
)

// Operation names accepted by SetFault.
const (
	OpDeployToken     = "deployRewardToken"
	OpDeployNFT       = "deployActivityNFT"
	OpMint            = "mintActivity"
	OpFund            = "fundRewardPool"
	OpSetRewardAmount = "setRewardAmount"
	OpGetRewardAmount = "rewardAmount"
	OpGetBalance      = "balanceOf"
	OpRewardToken     = "rewardToken"
	OpNextID          = "nextId"
	OpActivityMeta    = "activityMeta"
	OpTokenMetadata   = "tokenMetadata"
)

// ErrUnreachable is the transport error produced by FaultUnreachable.
var ErrUnreachable = errors.New("dial tcp: connection refused")

// DefaultInitialSupply is the issuer balance created when the token is deployed.
var DefaultInitialSupply = Units("1000000")

// Ledger simulates a reward token and an activity NFT contract.
type Ledger struct {
	mu sync.Mutex

	issuer        common.Address
	initialSupply *big.Int
	funding       ledger.FundingMethod
	nonce         uint64

	token        common.Address
	nft          common.Address
	rewardToken  common.Address
	rewardAmount *big.Int
	totalSupply  *big.Int
	balances     map[common.Address]*big.Int
	nextID       uint64
	meta         map[uint64]string

	faults map[string]Fault
	calls  map[string]int

	// BeforeMint, when set, runs before every mint while no lock is held.
	BeforeMint func(ctx context.Context)
	// OmitRewardLog drops the reward transfer from mint receipts.
	OmitRewardLog bool
}

var _ ledger.RewardContract = (*Ledger)(nil)

// NewLedger creates an empty chain where issuer will deploy the contracts.
func NewLedger(issuer common.Address) *Ledger {
	return &Ledger{
		issuer:        issuer,
		initialSupply: new(big.Int).Set(DefaultInitialSupply),
		funding:       ledger.FundingTransfer,
		totalSupply:   new(big.Int),
		rewardAmount:  new(big.Int),
		balances:      make(map[common.Address]*big.Int),
		nextID:        1,
		meta:          make(map[uint64]string),
		faults:        make(map[string]Fault),
		calls:         make(map[string]int),
	}
}

// NewDeployedLedger returns a ledger with both contracts deployed and the NFT
// contract holding pool tokens.
func NewDeployedLedger(issuer common.Address, reward, pool *big.Int) *Ledger {
	l := NewLedger(issuer)
	ctx := context.Background()
	token, _ := l.DeployRewardToken(ctx)
	nft, _ := l.DeployActivityNFT(ctx, token.Address, reward)
	if _, err := l.FundRewardPool(ctx, nft.Address, pool); err != nil {
		panic(fmt.Sprintf("fund fake ledger: %v", err))
	}
	return l
}

// SetFault makes op misbehave until cleared with FaultNone.
func (l *Ledger) SetFault(op string, fault Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fault == FaultNone {
		delete(l.faults, op)
		return
	}
	l.faults[op] = fault
}

// SetFundingMethod selects transfer or mint funding.
func (l *Ledger) SetFundingMethod(method ledger.FundingMethod) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funding = method
}

// SetInitialSupply changes the issuer balance minted on token deployment.
func (l *Ledger) SetInitialSupply(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialSupply = new(big.Int).Set(amount)
}

// Calls reports how many times op was invoked, including failed attempts.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Addresses returns the deployed contract pair.
func (l *Ledger) Addresses() ledger.Addresses {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.Addresses{Token: l.token, NFT: l.nft}
}

// Issuer returns the deploying account.
func (l *Ledger) Issuer() common.Address {
	return l.issuer
}

// Account satisfies the deployer surface.
func (l *Ledger) Account() common.Address {
	return l.issuer
}

// Minted returns the number of NFTs minted so far.
func (l *Ledger) Minted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.meta)
}

// DeployRewardToken creates the token and credits the initial supply to the issuer.
func (l *Ledger) DeployRewardToken(ctx context.Context) (ledger.Deployed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	addr := l.nextAddress()
	tx := l.nextTxHash()
	if err := l.fail(ctx, OpDeployToken, addr, tx); err != nil {
		return ledger.Deployed{}, err
	}
	l.token = addr
	l.credit(l.issuer, l.initialSupply)
	l.totalSupply.Add(l.totalSupply, l.initialSupply)
	return ledger.Deployed{Address: addr, TxHash: tx}, nil
}

// DeployActivityNFT creates the NFT contract pointing at token.
func (l *Ledger) DeployActivityNFT(ctx context.Context, token common.Address, reward *big.Int) (ledger.Deployed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	addr := l.nextAddress()
	tx := l.nextTxHash()
	if err := l.fail(ctx, OpDeployNFT, addr, tx); err != nil {
		return ledger.Deployed{}, err
	}
	l.nft = addr
	l.rewardToken = token
	l.rewardAmount = new(big.Int).Set(reward)
	return ledger.Deployed{Address: addr, TxHash: tx}, nil
}

// Bind returns the ledger itself; the fake serves every contract pair.
func (l *Ledger) Bind(ledger.Addresses) ledger.RewardContract {
	return l
}

// MintActivity mints the next NFT id to recipient and pays the reward from the NFT balance.
func (l *Ledger) MintActivity(ctx context.Context, recipient common.Address, metadata string) (ledger.MintReceipt, error) {
	if hook := l.hook(); hook != nil {
		hook(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.nextTxHash()
	if err := l.fail(ctx, OpMint, l.nft, tx); err != nil {
		return ledger.MintReceipt{}, err
	}
	if l.balanceOf(l.nft).Cmp(l.rewardAmount) < 0 {
		return ledger.MintReceipt{}, &ledger.ContractCallError{Op: OpMint, Contract: l.nft, TxHash: tx, Err: ledger.ErrReverted}
	}

	id := l.nextID
	l.nextID++
	l.meta[id] = metadata
	l.debit(l.nft, l.rewardAmount)
	l.credit(recipient, l.rewardAmount)

	receipt := ledger.MintReceipt{
		NFTID:       new(big.Int).SetUint64(id),
		Recipient:   recipient,
		TxHash:      tx,
		BlockNumber: l.nonce,
	}
	if !l.OmitRewardLog {
		receipt.Reward = new(big.Int).Set(l.rewardAmount)
	}
	return receipt, nil
}

// FundRewardPool moves amount to nft by transfer from the issuer or by minting.
func (l *Ledger) FundRewardPool(ctx context.Context, nft common.Address, amount *big.Int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.nextTxHash()
	if err := l.fail(ctx, OpFund, l.token, tx); err != nil {
		return "", err
	}
	if l.funding == ledger.FundingMint {
		l.totalSupply.Add(l.totalSupply, amount)
	} else {
		if l.balanceOf(l.issuer).Cmp(amount) < 0 {
			return tx, &ledger.ContractCallError{Op: OpFund, Contract: l.token, TxHash: tx, Err: ledger.ErrReverted}
		}
		l.debit(l.issuer, amount)
	}
	l.credit(nft, amount)
	return tx, nil
}

// SetRewardAmount changes the per-activity reward.
func (l *Ledger) SetRewardAmount(ctx context.Context, amount *big.Int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.nextTxHash()
	if err := l.fail(ctx, OpSetRewardAmount, l.nft, tx); err != nil {
		return "", err
	}
	l.rewardAmount = new(big.Int).Set(amount)
	return tx, nil
}

// GetRewardAmount returns the per-activity reward.
func (l *Ledger) GetRewardAmount(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(ctx, OpGetRewardAmount, l.nft, ""); err != nil {
		return nil, err
	}
	return new(big.Int).Set(l.rewardAmount), nil
}

// GetBalance returns holder's token balance.
func (l *Ledger) GetBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(ctx, OpGetBalance, l.token, ""); err != nil {
		return nil, err
	}
	return l.balanceOf(holder), nil
}

// RewardToken returns the token the NFT contract pays in.
func (l *Ledger) RewardToken(ctx context.Context) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(ctx, OpRewardToken, l.nft, ""); err != nil {
		return common.Address{}, err
	}
	return l.rewardToken, nil
}

// OverrideRewardToken points the NFT contract at a different token.
func (l *Ledger) OverrideRewardToken(token common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rewardToken = token
}

// NextID returns the id the next mint will receive.
func (l *Ledger) NextID(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(ctx, OpNextID, l.nft, ""); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(l.nextID), nil
}

// ActivityMeta returns the metadata stored for id, or "" for unknown ids.
func (l *Ledger) ActivityMeta(ctx context.Context, id *big.Int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(ctx, OpActivityMeta, l.nft, ""); err != nil {
		return "", err
	}
	if !id.IsUint64() {
		return "", nil
	}
	return l.meta[id.Uint64()], nil
}

// TokenMetadata returns the fixed token identity and current supply.
func (l *Ledger) TokenMetadata(ctx context.Context) (ledger.TokenMetadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(ctx, OpTokenMetadata, l.token, ""); err != nil {
		return ledger.TokenMetadata{}, err
	}
	return ledger.TokenMetadata{
		Name:        "Activity Reward Token",
		Symbol:      "ACTR",
		Decimals:    ledger.DefaultDecimals,
		TotalSupply: new(big.Int).Set(l.totalSupply),
	}, nil
}

func (l *Ledger) hook() func(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.BeforeMint
}

// fail records the call and applies the configured fault. Callers hold l.mu;
// FaultTimeout releases it while waiting.
func (l *Ledger) fail(ctx context.Context, op string, contract common.Address, txHash string) error {
	l.calls[op]++

	switch l.faults[op] {
	case FaultTimeout:
		l.mu.Unlock()
		<-ctx.Done()
		l.mu.Lock()
		return &ledger.ContractCallError{Op: op, Contract: contract, TxHash: txHash, Err: ctx.Err()}
	case FaultRevert:
		return &ledger.ContractCallError{Op: op, Contract: contract, TxHash: txHash, Err: ledger.ErrReverted}
	case FaultUnreachable:
		return &ledger.ContractCallError{Op: op, Contract: contract, Err: ErrUnreachable}
	}
	return ctx.Err()
}

func (l *Ledger) nextAddress() common.Address {
	addr := crypto.CreateAddress(l.issuer, l.nonce)
	l.nonce++
	return addr
}

func (l *Ledger) nextTxHash() string {
	l.nonce++
	return crypto.Keccak256Hash(l.issuer.Bytes(), new(big.Int).SetUint64(l.nonce).Bytes()).Hex()
}

func (l *Ledger) balanceOf(holder common.Address) *big.Int {
	if b, ok := l.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) credit(holder common.Address, amount *big.Int) {
	l.balances[holder] = new(big.Int).Add(l.balanceOf(holder), amount)
}

func (l *Ledger) debit(holder common.Address, amount *big.Int) {
	l.balances[holder] = new(big.Int).Sub(l.balanceOf(holder), amount)
}

// Units converts a decimal token amount to base units, panicking on malformed input.
func Units(value string) *big.Int {
	amount, err := ledger.ParseUnits(value, ledger.DefaultDecimals)
	if err != nil {
		panic(err)
	}
	return amount
}
