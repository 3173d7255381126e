// Package crypto provides private key storage and transaction signing for
// the marketplace account.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileVersion = 2
	kdfName        = "pbkdf2-sha256"
	kdfIterations  = 480_000
	saltLen        = 16
	aesKeyLen      = 32
)

var (
	// ErrNoKey means the wallet section names neither a key nor a key file.
	ErrNoKey = errors.New("crypto: wallet has no private_key or encrypted_key_path")
	// ErrWrongPassword means the key file did not decrypt with key_password.
	ErrWrongPassword = errors.New("crypto: wrong key_password for key file")
	// ErrAddressMismatch means the key does not belong to wallet.address.
	ErrAddressMismatch = errors.New("crypto: key does not match wallet address")
)

// keyFile is the on-disk wallet key. The address is bound to the ciphertext
// as GCM additional data, so a file cannot be relabelled for another account.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// WalletKey mirrors the [wallet] config section for the local signer.
type WalletKey struct {
	PrivateKey       string
	EncryptedKeyPath string
	KeyPassword      string
	// Address, when set, must match the account of the resolved key.
	Address string
}

// SealKey encrypts privateKeyHex under password and returns the key file
// contents.
func SealKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: seal key: empty password")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: seal key: %w", err)
	}
	addr := gethcrypto.PubkeyToAddress(key.PublicKey).Hex()

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: seal key: salt: %w", err)
	}
	gcm, err := newGCM(password, salt, kdfIterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: seal key: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: seal key: nonce: %w", err)
	}

	enc := base64.StdEncoding
	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    addr,
		KDF:        kdfName,
		Iterations: kdfIterations,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(gcm.Seal(nil, nonce, gethcrypto.FromECDSA(key), []byte(addr))),
	}, "", "  ")
}

// OpenKey decrypts a key file produced by SealKey and returns the hex key
// without 0x prefix along with the address recorded in the file.
func OpenKey(data []byte, password string) (keyHex, address string, err error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", "", fmt.Errorf("crypto: open key: %w", err)
	}
	if kf.Version != keyFileVersion || kf.KDF != kdfName {
		return "", "", fmt.Errorf("crypto: open key: unsupported key file (version %d, kdf %q)", kf.Version, kf.KDF)
	}
	if kf.Iterations <= 0 {
		return "", "", errors.New("crypto: open key: missing kdf iterations")
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(kf.Salt)
	if err != nil {
		return "", "", fmt.Errorf("crypto: open key: salt: %w", err)
	}
	nonce, err := enc.DecodeString(kf.Nonce)
	if err != nil {
		return "", "", fmt.Errorf("crypto: open key: nonce: %w", err)
	}
	sealed, err := enc.DecodeString(kf.Ciphertext)
	if err != nil {
		return "", "", fmt.Errorf("crypto: open key: ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt, kf.Iterations)
	if err != nil {
		return "", "", fmt.Errorf("crypto: open key: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return "", "", errors.New("crypto: open key: bad nonce length")
	}
	plain, err := gcm.Open(nil, nonce, sealed, []byte(kf.Address))
	if err != nil {
		return "", "", ErrWrongPassword
	}
	return common.Bytes2Hex(plain), kf.Address, nil
}

// LoadWallet resolves the wallet key (inline key first, then key file),
// binds it to chainID and checks it against w.Address.
func LoadWallet(w WalletKey, chainID int64) (*Signer, error) {
	var keyHex string
	switch {
	case w.PrivateKey != "":
		keyHex = w.PrivateKey
	case w.EncryptedKeyPath != "":
		data, err := os.ReadFile(w.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		keyHex, _, err = OpenKey(data, w.KeyPassword)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoKey
	}

	s, err := NewSigner(keyHex, chainID)
	if err != nil {
		return nil, err
	}
	if w.Address != "" && !strings.EqualFold(w.Address, s.Address()) {
		return nil, fmt.Errorf("%w: configured %s, key is %s", ErrAddressMismatch, w.Address, s.Address())
	}
	return s, nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("empty password")
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
