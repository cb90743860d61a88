// Package location provides parsing and validation for registry locations.
//
// Location format: [network]:[address]
//
// Examples:
//
//	ropsten:0x00C8Bc664147389328Cb56f0b1EDc391c591191f   (contract registry)
//	lab:registry-1                                       (hosted registry)
//
// The network names the chain or deployment the registry lives on. The
// address is either an EVM contract address, which is normalised to its
// EIP-55 checksum form, or an opaque name for registries that are not
// contracts.
package location

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Location identifies one registry.
type Location struct {
	Network string
	Address string
}

// Parse parses a network:address string.
func Parse(raw string) (Location, error) {
	network, address, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Location{}, fmt.Errorf("location %q must have the form network:address", raw)
	}
	if err := validateSegment("network", network); err != nil {
		return Location{}, err
	}
	if err := validateSegment("address", address); err != nil {
		return Location{}, err
	}
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		if !common.IsHexAddress(address) {
			return Location{}, fmt.Errorf("address %q is not a valid contract address", address)
		}
		address = common.HexToAddress(address).Hex()
	}
	return Location{Network: network, Address: address}, nil
}

// MustParse parses a location and panics on error. Useful in tests and init blocks.
func MustParse(raw string) Location {
	l, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return l
}

// String returns the canonical network:address form.
func (l Location) String() string {
	return l.Network + ":" + l.Address
}

// IsContract reports whether the address is an EVM contract address.
func (l Location) IsContract() bool {
	return common.IsHexAddress(l.Address)
}

// ContractAddress returns the address as a contract address. It is only
// meaningful when IsContract is true.
func (l Location) ContractAddress() common.Address {
	return common.HexToAddress(l.Address)
}

func validateSegment(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s must not be empty", name)
	}
	if strings.ContainsAny(value, " \t/\\?#:") {
		return fmt.Errorf("%s %q contains invalid characters", name, value)
	}
	return nil
}
