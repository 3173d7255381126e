package ledgertest

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func arg(args []any, i int) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("ledgertest: missing argument %d", i)
	}
	return args[i], nil
}

func argAddr(args []any, i int) (common.Address, error) {
	v, err := arg(args, i)
	if err != nil {
		return common.Address{}, err
	}
	switch t := v.(type) {
	case common.Address:
		return t, nil
	case string:
		return common.HexToAddress(t), nil
	}
	return common.Address{}, fmt.Errorf("ledgertest: argument %d: unexpected address type %T", i, v)
}

func argAddr2(args []any) (common.Address, common.Address, error) {
	a, err := argAddr(args, 0)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	b, err := argAddr(args, 1)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return a, b, nil
}

func argBig(args []any, i int) (*big.Int, error) {
	v, err := arg(args, i)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case *big.Int:
		return new(big.Int).Set(t), nil
	case uint64:
		return new(big.Int).SetUint64(t), nil
	case int:
		return big.NewInt(int64(t)), nil
	}
	return nil, fmt.Errorf("ledgertest: argument %d: unexpected integer type %T", i, v)
}

func argUint64(args []any, i int) (uint64, error) {
	b, err := argBig(args, i)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("ledgertest: argument %d: %s does not fit uint64", i, b)
	}
	return b.Uint64(), nil
}

func argBytes32(args []any, i int) ([32]byte, error) {
	v, err := arg(args, i)
	if err != nil {
		return [32]byte{}, err
	}
	switch t := v.(type) {
	case [32]byte:
		return t, nil
	case common.Hash:
		return t, nil
	}
	return [32]byte{}, fmt.Errorf("ledgertest: argument %d: unexpected bytes32 type %T", i, v)
}

func cloneBig(b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b)
}

func unix(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}
