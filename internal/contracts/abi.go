// Package contracts binds the marketplace's contract interfaces onto the
// generic domain.LedgerClient: typed reads (retried) and call builders
// (never retried).
package contracts

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Interface names understood by every LedgerClient implementation.
const (
	ERC20         = "erc20"
	ERC721        = "erc721"
	Marketplace   = "marketplace"
	AccessControl = "access_control"
	SeedRegistry  = "seed_registry"
)

const erc20ABI = `[
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"Approval","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"spender","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

const erc721ABI = `[
 {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const marketplaceABI = `[
 {"type":"function","name":"getListing","stateMutability":"view","inputs":[{"name":"listingId","type":"uint256"}],"outputs":[
   {"name":"seller","type":"address"},{"name":"assetContract","type":"address"},{"name":"assetId","type":"uint256"},
   {"name":"paymentAsset","type":"address"},{"name":"price","type":"uint256"},{"name":"createdAt","type":"uint64"},
   {"name":"expiresAt","type":"uint64"},{"name":"status","type":"uint8"}]},
 {"type":"function","name":"buy","stateMutability":"nonpayable","inputs":[{"name":"listingId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"list","stateMutability":"nonpayable","inputs":[
   {"name":"assetContract","type":"address"},{"name":"assetId","type":"uint256"},{"name":"paymentAsset","type":"address"},
   {"name":"price","type":"uint256"},{"name":"duration","type":"uint64"}],"outputs":[{"name":"listingId","type":"uint256"}]},
 {"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"listingId","type":"uint256"}],"outputs":[]},
 {"type":"event","name":"Listed","anonymous":false,"inputs":[
   {"name":"listingId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},
   {"name":"assetContract","type":"address","indexed":false},{"name":"assetId","type":"uint256","indexed":false},
   {"name":"price","type":"uint256","indexed":false},{"name":"expiresAt","type":"uint64","indexed":false}]},
 {"type":"event","name":"Sold","anonymous":false,"inputs":[
   {"name":"listingId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},
   {"name":"price","type":"uint256","indexed":false}]},
 {"type":"event","name":"Cancelled","anonymous":false,"inputs":[{"name":"listingId","type":"uint256","indexed":true}]}
]`

const accessControlABI = `[
 {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"getRoleAdmin","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"}],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"grantRole","stateMutability":"nonpayable","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[]},
 {"type":"event","name":"RoleGranted","anonymous":false,"inputs":[
   {"name":"role","type":"bytes32","indexed":true},{"name":"account","type":"address","indexed":true},{"name":"sender","type":"address","indexed":true}]}
]`

const seedRegistryABI = `[
 {"type":"function","name":"seed","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"updateSeed","stateMutability":"nonpayable","inputs":[{"name":"newSeed","type":"bytes32"}],"outputs":[]},
 {"type":"event","name":"SeedUpdated","anonymous":false,"inputs":[{"name":"seed","type":"bytes32","indexed":false}]}
]`

var rawABIs = map[string]string{
	ERC20:         erc20ABI,
	ERC721:        erc721ABI,
	Marketplace:   marketplaceABI,
	AccessControl: accessControlABI,
	SeedRegistry:  seedRegistryABI,
}

var (
	parseOnce sync.Once
	parsed    map[string]abi.ABI
	parseErr  error
)

// ABIs returns the parsed ABI of every interface, keyed by interface name.
func ABIs() (map[string]abi.ABI, error) {
	parseOnce.Do(func() {
		parsed = make(map[string]abi.ABI, len(rawABIs))
		for name, raw := range rawABIs {
			a, err := abi.JSON(strings.NewReader(raw))
			if err != nil {
				parseErr = fmt.Errorf("contracts: parse %s abi: %w", name, err)
				return
			}
			parsed[name] = a
		}
	})
	return parsed, parseErr
}
