package location_test

import (
	"testing"

	"github.com/jmerrifield20/braided/pkg/location"
)

func TestParse_valid(t *testing.T) {
	cases := []struct {
		input    string
		network  string
		address  string
		contract bool
	}{
		{
			input:    "ropsten:0x00c8bc664147389328cb56f0b1edc391c591191f",
			network:  "ropsten",
			address:  "0x00C8Bc664147389328Cb56f0b1EDc391c591191f",
			contract: true,
		},
		{
			input:   "lab:registry-1",
			network: "lab",
			address: "registry-1",
		},
		{
			input:   "  kovan:braid.main  ",
			network: "kovan",
			address: "braid.main",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			l, err := location.Parse(tc.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.input, err)
			}
			if l.Network != tc.network {
				t.Errorf("Network: got %q, want %q", l.Network, tc.network)
			}
			if l.Address != tc.address {
				t.Errorf("Address: got %q, want %q", l.Address, tc.address)
			}
			if l.IsContract() != tc.contract {
				t.Errorf("IsContract: got %v, want %v", l.IsContract(), tc.contract)
			}
			if l.String() != tc.network+":"+tc.address {
				t.Errorf("String: got %q", l.String())
			}
		})
	}
}

func TestParse_invalid(t *testing.T) {
	cases := []string{
		"",
		"ropsten",
		":0x00C8Bc664147389328Cb56f0b1EDc391c591191f",
		"ropsten:",
		"ropsten:0x1234",
		"rop sten:abc",
		"a:b:c",
	}
	for _, input := range cases {
		if _, err := location.Parse(input); err == nil {
			t.Errorf("Parse(%q): expected error", input)
		}
	}
}

func TestMustParse_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParse did not panic on invalid input")
		}
	}()
	location.MustParse("invalid")
}
