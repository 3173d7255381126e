package contracts

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultAdminRole is the zero role that administers every other role unless
// reassigned.
const DefaultAdminRole = "DEFAULT_ADMIN_ROLE"

// RoleID resolves a role name to its 32-byte identifier. Names are hashed
// with keccak256; DEFAULT_ADMIN_ROLE is the zero value; a 0x-prefixed
// 64-digit hex string is taken literally.
func RoleID(name string) [32]byte {
	if name == DefaultAdminRole {
		return [32]byte{}
	}
	if b, ok := parseBytes32Hex(name); ok {
		return b
	}
	return crypto.Keccak256Hash([]byte(name))
}

// ParseSeed parses a 0x-prefixed 64-digit hex seed.
func ParseSeed(s string) ([32]byte, error) {
	b, ok := parseBytes32Hex(s)
	if !ok {
		return [32]byte{}, fmt.Errorf("contracts: seed %q is not 32 bytes of hex", s)
	}
	return b, nil
}

func parseBytes32Hex(s string) ([32]byte, bool) {
	var out [32]byte
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return out, false
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil || len(raw) != 32 {
		return out, false
	}
	copy(out[:], raw)
	return out, true
}

func asAddress(v any) (common.Address, error) {
	switch t := v.(type) {
	case common.Address:
		return t, nil
	case *common.Address:
		if t == nil {
			return common.Address{}, nil
		}
		return *t, nil
	case string:
		if !common.IsHexAddress(t) {
			return common.Address{}, fmt.Errorf("invalid address %q", t)
		}
		return common.HexToAddress(t), nil
	}
	return common.Address{}, fmt.Errorf("unexpected address type %T", v)
}

func asBig(v any) (*big.Int, error) {
	switch t := v.(type) {
	case *big.Int:
		if t == nil {
			return new(big.Int), nil
		}
		return new(big.Int).Set(t), nil
	case big.Int:
		return new(big.Int).Set(&t), nil
	case uint64:
		return new(big.Int).SetUint64(t), nil
	case uint8:
		return big.NewInt(int64(t)), nil
	case int64:
		return big.NewInt(t), nil
	case int:
		return big.NewInt(int64(t)), nil
	}
	return nil, fmt.Errorf("unexpected integer type %T", v)
}

func asUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case uint8:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("negative value %d", t)
		}
		return uint64(t), nil
	case *big.Int:
		if t == nil || !t.IsUint64() {
			return 0, fmt.Errorf("value %v does not fit uint64", t)
		}
		return t.Uint64(), nil
	}
	return 0, fmt.Errorf("unexpected integer type %T", v)
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("contracts: unexpected bool type %T", v)
	}
	return b, nil
}

func asBytes32(v any) ([32]byte, error) {
	switch t := v.(type) {
	case [32]byte:
		return t, nil
	case common.Hash:
		return t, nil
	case []byte:
		var out [32]byte
		if len(t) != 32 {
			return out, fmt.Errorf("contracts: expected 32 bytes, got %d", len(t))
		}
		copy(out[:], t)
		return out, nil
	}
	return [32]byte{}, fmt.Errorf("contracts: unexpected bytes32 type %T", v)
}
