package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Backend is the chain connection required by Client and Deployer.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// ChainIDReader reports the chain id of a backend.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// NewSigner builds transaction options from a hex private key. A zero chainID
// is resolved from the backend.
func NewSigner(ctx context.Context, backend ChainIDReader, hexKey string, chainID int64) (*bind.TransactOpts, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	id := big.NewInt(chainID)
	if chainID == 0 {
		id, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve chain id: %w", err)
		}
	}
	return bind.NewKeyedTransactorWithChainID(key, id)
}

// AddressOf returns the account address controlled by key.
func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Option configures optional behaviour for Client.
type Option func(*Client)

// WithLogger overrides the logger used for transaction tracing.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithFundingMethod selects how FundRewardPool moves tokens.
func WithFundingMethod(method FundingMethod) Option {
	return func(c *Client) {
		c.funding = method
	}
}

var _ RewardContract = (*Client)(nil)

// Client implements RewardContract against a live EVM node.
type Client struct {
	backend Backend
	addrs   Addresses
	token   *bind.BoundContract
	nft     *bind.BoundContract
	signer  *bind.TransactOpts
	funding FundingMethod
	logger  logrus.FieldLogger

	// sendMu serialises broadcasts so concurrent submissions do not race for a nonce.
	sendMu sync.Mutex
}

// NewClient binds both contracts. A nil signer yields a read-only client.
func NewClient(backend Backend, addrs Addresses, signer *bind.TransactOpts, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		addrs:   addrs,
		token:   bind.NewBoundContract(addrs.Token, rewardTokenABI, backend, backend, backend),
		nft:     bind.NewBoundContract(addrs.NFT, activityNFTABI, backend, backend, backend),
		signer:  signer,
		funding: FundingTransfer,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addresses returns the contract pair the client is bound to.
func (c *Client) Addresses() Addresses {
	return c.addrs
}

// MintActivity calls mintActivity(to, metadata) on the NFT contract.
func (c *Client) MintActivity(ctx context.Context, recipient common.Address, metadata string) (MintReceipt, error) {
	const op = "mintActivity"

	tx, err := c.transact(ctx, c.nft, op, recipient, metadata)
	if err != nil {
		return MintReceipt{}, callError(op, c.addrs.NFT, "", err)
	}
	txHash := tx.Hash().Hex()
	c.logger.WithFields(logrus.Fields{"tx_hash": txHash, "recipient": recipient.Hex()}).Debug("mint broadcast")

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return MintReceipt{TxHash: txHash}, callError(op, c.addrs.NFT, txHash, err)
	}

	decoded, err := decodeMintReceipt(receipt, c.addrs, recipient)
	if err != nil {
		return MintReceipt{TxHash: txHash}, callError(op, c.addrs.NFT, txHash, err)
	}
	return decoded, nil
}

// FundRewardPool moves amount tokens from the signer to nft using the configured method.
func (c *Client) FundRewardPool(ctx context.Context, nft common.Address, amount *big.Int) (string, error) {
	op := string(c.funding)
	tx, err := c.transact(ctx, c.token, op, nft, amount)
	if err != nil {
		return "", callError(op, c.addrs.Token, "", err)
	}
	txHash := tx.Hash().Hex()
	if _, err := c.waitMined(ctx, tx); err != nil {
		return txHash, callError(op, c.addrs.Token, txHash, err)
	}
	return txHash, nil
}

// SetRewardAmount updates the per-activity reward on the NFT contract.
func (c *Client) SetRewardAmount(ctx context.Context, amount *big.Int) (string, error) {
	const op = "setRewardAmount"
	tx, err := c.transact(ctx, c.nft, op, amount)
	if err != nil {
		return "", callError(op, c.addrs.NFT, "", err)
	}
	txHash := tx.Hash().Hex()
	if _, err := c.waitMined(ctx, tx); err != nil {
		return txHash, callError(op, c.addrs.NFT, txHash, err)
	}
	return txHash, nil
}

// GetRewardAmount reads rewardAmount() from the NFT contract.
func (c *Client) GetRewardAmount(ctx context.Context) (*big.Int, error) {
	return callBig(ctx, c.nft, c.addrs.NFT, "rewardAmount")
}

// GetBalance reads balanceOf(holder) from the token contract.
func (c *Client) GetBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	return callBig(ctx, c.token, c.addrs.Token, "balanceOf", holder)
}

// NextID reads the NFT id that the next mint will receive.
func (c *Client) NextID(ctx context.Context) (*big.Int, error) {
	return callBig(ctx, c.nft, c.addrs.NFT, "nextId")
}

// RewardToken reads the token address the NFT contract pays rewards in.
func (c *Client) RewardToken(ctx context.Context) (common.Address, error) {
	out, err := call(ctx, c.nft, c.addrs.NFT, "rewardToken")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out.(common.Address)
	if !ok {
		return common.Address{}, callError("rewardToken", c.addrs.NFT, "", fmt.Errorf("unexpected output type %T", out))
	}
	return addr, nil
}

// ActivityMeta reads the metadata string stored for an NFT id.
func (c *Client) ActivityMeta(ctx context.Context, id *big.Int) (string, error) {
	out, err := call(ctx, c.nft, c.addrs.NFT, "activityMeta", id)
	if err != nil {
		return "", err
	}
	meta, ok := out.(string)
	if !ok {
		return "", callError("activityMeta", c.addrs.NFT, "", fmt.Errorf("unexpected output type %T", out))
	}
	return meta, nil
}

// TokenMetadata reads name, symbol, decimals and totalSupply.
func (c *Client) TokenMetadata(ctx context.Context) (TokenMetadata, error) {
	var meta TokenMetadata

	name, err := call(ctx, c.token, c.addrs.Token, "name")
	if err != nil {
		return meta, err
	}
	symbol, err := call(ctx, c.token, c.addrs.Token, "symbol")
	if err != nil {
		return meta, err
	}
	decimals, err := call(ctx, c.token, c.addrs.Token, "decimals")
	if err != nil {
		return meta, err
	}
	supply, err := callBig(ctx, c.token, c.addrs.Token, "totalSupply")
	if err != nil {
		return meta, err
	}

	meta.Name, _ = name.(string)
	meta.Symbol, _ = symbol.(string)
	meta.Decimals, _ = decimals.(uint8)
	meta.TotalSupply = supply
	return meta, nil
}

func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, params ...interface{}) (*types.Transaction, error) {
	if c.signer == nil {
		return nil, ErrReadOnly
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	opts := *c.signer
	opts.Context = ctx
	return contract.Transact(&opts, method, params...)
}

func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, ErrReverted
	}
	return receipt, nil
}

func call(ctx context.Context, contract *bind.BoundContract, addr common.Address, method string, params ...interface{}) (interface{}, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, callError(method, addr, "", err)
	}
	if len(out) == 0 {
		return nil, callError(method, addr, "", fmt.Errorf("empty result"))
	}
	return out[0], nil
}

func callBig(ctx context.Context, contract *bind.BoundContract, addr common.Address, method string, params ...interface{}) (*big.Int, error) {
	out, err := call(ctx, contract, addr, method, params...)
	if err != nil {
		return nil, err
	}
	value, ok := out.(*big.Int)
	if !ok {
		return nil, callError(method, addr, "", fmt.Errorf("unexpected output type %T", out))
	}
	return value, nil
}
