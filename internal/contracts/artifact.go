// Package contracts carries the AppStore ABI and its per-network deployment manifest.
package contracts

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed AppStore.json
var appStoreArtifact []byte

// Deployment is one entry of the artifact's networks map.
type Deployment struct {
	Address         string `json:"address"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// Artifact is a truffle-style build output: the ABI plus where it is deployed.
type Artifact struct {
	ContractName string                `json:"contractName"`
	RawABI       json.RawMessage       `json:"abi"`
	Networks     map[string]Deployment `json:"networks"`

	parsed abi.ABI
}

// AppStoreArtifact returns the artifact compiled into the binary.
func AppStoreArtifact() (*Artifact, error) {
	return ParseArtifact(appStoreArtifact)
}

// LoadArtifact reads an artifact from disk. An empty path selects the embedded one.
func LoadArtifact(path string) (*Artifact, error) {
	if path == "" {
		return AppStoreArtifact()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return ParseArtifact(raw)
}

func ParseArtifact(raw []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if len(a.RawABI) == 0 {
		return nil, errors.New("artifact has no abi")
	}
	parsed, err := abi.JSON(strings.NewReader(string(a.RawABI)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	a.parsed = parsed
	if a.Networks == nil {
		a.Networks = map[string]Deployment{}
	}
	return &a, nil
}

func (a *Artifact) ABI() abi.ABI {
	return a.parsed
}

// Address looks up the deployed contract for a network id.
// ok is false when the manifest has no usable entry for that network.
func (a *Artifact) Address(networkID uint64) (common.Address, bool) {
	dep, found := a.Networks[strconv.FormatUint(networkID, 10)]
	if !found || !common.IsHexAddress(dep.Address) {
		return common.Address{}, false
	}
	return common.HexToAddress(dep.Address), true
}
