package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedArtifactExposesAppStoreMethods(t *testing.T) {
	a, err := AppStoreArtifact()
	require.NoError(t, err)

	for _, name := range []string{
		"sell", "buy", "verify", "totalCount", "getTokenURI",
		"getAppName", "getAppPrice", "getAppSeller", "getAppBuyers",
		"getTokenIdsBySeller", "getTokenIdsByBuyer",
	} {
		_, ok := a.ABI().Methods[name]
		assert.True(t, ok, "missing method %s", name)
	}
	assert.True(t, a.ABI().Methods["buy"].IsPayable())
	assert.Contains(t, a.ABI().Events, "OnSell")
	assert.Contains(t, a.ABI().Events, "OnBuy")
}

func TestArtifactAddressLookup(t *testing.T) {
	a, err := ParseArtifact([]byte(`{
		"abi": [],
		"networks": {
			"5777": {"address": "0x5FbDB2315678afecb367f032d93F642f64180aa3"},
			"42": {"address": ""}
		}
	}`))
	require.NoError(t, err)

	addr, ok := a.Address(5777)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), addr)

	_, ok = a.Address(42)
	assert.False(t, ok, "blank address must not count as a deployment")

	_, ok = a.Address(1)
	assert.False(t, ok)
}

func TestLoadArtifactFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AppStore.json")
	require.NoError(t, os.WriteFile(path, appStoreArtifact, 0o600))

	a, err := LoadArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "AppStore", a.ContractName)

	_, err = LoadArtifact(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestParseArtifactRejectsMissingABI(t *testing.T) {
	_, err := ParseArtifact([]byte(`{"networks":{}}`))
	assert.Error(t, err)
}
