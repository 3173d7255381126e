package crypto

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// Well-known development key (first hardhat/anvil account).
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSigner_AddressAndSignTx(t *testing.T) {
	s, err := NewSigner(devKey, 31337)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address())
	assert.Equal(t, int64(31337), s.ChainID().Int64())

	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.ChainID(),
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := s.Sender(signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestNewSigner_Rejects(t *testing.T) {
	_, err := NewSigner("nothex", 1)
	assert.Error(t, err)
	_, err = NewSigner(devKey, 0)
	assert.Error(t, err)
}

func TestSealOpenKey(t *testing.T) {
	blob, err := SealKey(devKey, "pw")
	require.NoError(t, err)

	key, addr, err := OpenKey(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, devKey[2:], key)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", addr)

	_, _, err = OpenKey(blob, "wrong")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestOpenKey_AddressIsAuthenticated(t *testing.T) {
	blob, err := SealKey(devKey, "pw")
	require.NoError(t, err)

	var kf map[string]any
	require.NoError(t, json.Unmarshal(blob, &kf))
	kf["address"] = "0x0000000000000000000000000000000000000001"
	relabelled, err := json.Marshal(kf)
	require.NoError(t, err)

	_, _, err = OpenKey(relabelled, "pw")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestLoadWallet(t *testing.T) {
	s, err := LoadWallet(WalletKey{PrivateKey: devKey}, 31337)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address())

	blob, err := SealKey(devKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err = LoadWallet(WalletKey{
		EncryptedKeyPath: path,
		KeyPassword:      "pw",
		Address:          "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
	}, 31337)
	require.NoError(t, err)
	assert.Equal(t, int64(31337), s.ChainID().Int64())

	_, err = LoadWallet(WalletKey{PrivateKey: devKey, Address: "0x0000000000000000000000000000000000000001"}, 31337)
	assert.ErrorIs(t, err, ErrAddressMismatch)

	_, err = LoadWallet(WalletKey{EncryptedKeyPath: path, KeyPassword: "nope"}, 31337)
	assert.ErrorIs(t, err, ErrWrongPassword)

	_, err = LoadWallet(WalletKey{}, 31337)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestSignTx_WrapsSigningFailure(t *testing.T) {
	s, err := NewSigner(devKey, 31337)
	require.NoError(t, err)
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	// A transaction for another chain cannot be signed by this signer.
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(0)})
	_, err = s.SignTx(tx)
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}
