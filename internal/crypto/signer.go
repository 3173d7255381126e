package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// Signer holds an account key and signs transactions for one chain.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewSigner parses a hex-encoded private key (0x prefix optional) and binds
// it to chainID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	if chainID <= 0 {
		return nil, errors.New("crypto: chain id must be positive")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: parsing private key: %w", err)
	}
	id := big.NewInt(chainID)
	return &Signer{
		key:     key,
		address: gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}, nil
}

// Address returns the checksummed account address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// ChainID returns the chain the signer is bound to.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs tx with the latest signer scheme for the bound chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %w", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

// Sender recovers the address that signed tx.
func (s *Signer) Sender(tx *types.Transaction) (string, error) {
	from, err := types.Sender(s.signer, tx)
	if err != nil {
		return "", fmt.Errorf("crypto: recovering sender: %w", err)
	}
	return from.Hex(), nil
}
