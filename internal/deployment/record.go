package deployment

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Transactions lists the hash of every transaction sent during a run.
type Transactions struct {
	DeployToken string `json:"deploy_token,omitempty"`
	DeployNFT   string `json:"deploy_nft,omitempty"`
	Fund        string `json:"fund,omitempty"`
}

// Record describes a contract deployment. A record with FundingFailed set
// names contracts that exist but cannot pay rewards yet.
type Record struct {
	Network              string
	ChainID              int64
	Deployer             common.Address
	TokenContractAddress common.Address
	NFTContractAddress   common.Address
	FundingAmount        *big.Int
	RewardPerActivity    *big.Int
	FundingFailed        bool
	Verified             bool
	Transactions         Transactions
	CreatedAt            time.Time
}

// Complete reports whether the deployment is funded and verified.
func (r Record) Complete() bool {
	return !r.FundingFailed && r.Verified
}

type artifactDoc struct {
	Network              string       `json:"network"`
	ChainID              int64        `json:"chain_id"`
	Deployer             string       `json:"deployer"`
	TokenContractAddress string       `json:"token_contract_address"`
	NFTContractAddress   string       `json:"nft_contract_address"`
	FundingAmount        string       `json:"funding_amount"`
	RewardPerActivity    string       `json:"reward_per_activity"`
	FundingFailed        bool         `json:"funding_failed"`
	Verified             bool         `json:"verified"`
	Transactions         Transactions `json:"transactions"`
	CreatedAt            time.Time    `json:"created_at"`
}

// MarshalJSON renders amounts as base-unit decimal strings.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(artifactDoc{
		Network:              r.Network,
		ChainID:              r.ChainID,
		Deployer:             r.Deployer.Hex(),
		TokenContractAddress: r.TokenContractAddress.Hex(),
		NFTContractAddress:   r.NFTContractAddress.Hex(),
		FundingAmount:        amountString(r.FundingAmount),
		RewardPerActivity:    amountString(r.RewardPerActivity),
		FundingFailed:        r.FundingFailed,
		Verified:             r.Verified,
		Transactions:         r.Transactions,
		CreatedAt:            r.CreatedAt,
	})
}

// UnmarshalJSON parses the artifact form produced by MarshalJSON.
func (r *Record) UnmarshalJSON(raw []byte) error {
	var doc artifactDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	for name, addr := range map[string]string{
		"token_contract_address": doc.TokenContractAddress,
		"nft_contract_address":   doc.NFTContractAddress,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", name, addr)
		}
	}
	funding, err := parseAmount("funding_amount", doc.FundingAmount)
	if err != nil {
		return err
	}
	reward, err := parseAmount("reward_per_activity", doc.RewardPerActivity)
	if err != nil {
		return err
	}

	*r = Record{
		Network:              doc.Network,
		ChainID:              doc.ChainID,
		Deployer:             common.HexToAddress(doc.Deployer),
		TokenContractAddress: common.HexToAddress(doc.TokenContractAddress),
		NFTContractAddress:   common.HexToAddress(doc.NFTContractAddress),
		FundingAmount:        funding,
		RewardPerActivity:    reward,
		FundingFailed:        doc.FundingFailed,
		Verified:             doc.Verified,
		Transactions:         doc.Transactions,
		CreatedAt:            doc.CreatedAt,
	}
	return nil
}

// WriteArtifact stores the record as indented JSON, replacing path atomically.
func WriteArtifact(path string, record Record) error {
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deployment artifact: %w", err)
	}
	raw = append(raw, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".deployment-*.json")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

// ReadArtifact loads a record written by WriteArtifact.
func ReadArtifact(path string) (Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read deployment artifact: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("decode deployment artifact %s: %w", path, err)
	}
	return record, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(field, value string) (*big.Int, error) {
	if value == "" {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	return amount, nil
}
