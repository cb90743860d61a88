// Package evm connects Braided to EVM chains: a ledger.Registry backed by a
// deployed Braided contract and a chain.Source over an Ethereum JSON-RPC
// endpoint.
package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ContractABIJSON is the interface of the Braided registry contract.
const ContractABIJSON = `[
 {"type":"function","name":"addStrand","stateMutability":"nonpayable","inputs":[
   {"name":"strandID","type":"uint256"},{"name":"location","type":"string"},
   {"name":"genesisHash","type":"bytes32"},{"name":"description","type":"string"}],"outputs":[]},
 {"type":"function","name":"addAgent","stateMutability":"nonpayable","inputs":[
   {"name":"agent","type":"address"},{"name":"strandID","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"removeAgent","stateMutability":"nonpayable","inputs":[
   {"name":"agent","type":"address"},{"name":"strandID","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"addBlock","stateMutability":"nonpayable","inputs":[
   {"name":"strandID","type":"uint256"},{"name":"blockNumber","type":"uint256"},
   {"name":"blockHash","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"transferOwnership","stateMutability":"nonpayable","inputs":[
   {"name":"newOwner","type":"address"}],"outputs":[]},
 {"type":"function","name":"getHighestBlockNumber","stateMutability":"view","inputs":[
   {"name":"strandID","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getLowestBlockNumber","stateMutability":"view","inputs":[
   {"name":"strandID","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getBlockHash","stateMutability":"view","inputs":[
   {"name":"strandID","type":"uint256"},{"name":"blockNumber","type":"uint256"}],
   "outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"getPreviousBlock","stateMutability":"view","inputs":[
   {"name":"strandID","type":"uint256"},{"name":"blockNumber","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"},{"name":"","type":"bytes32"}]},
 {"type":"function","name":"getStrandCount","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getStrandID","stateMutability":"view","inputs":[
   {"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getStrandLocation","stateMutability":"view","inputs":[
   {"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"getStrandGenesisBlockHash","stateMutability":"view","inputs":[
   {"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
 {"type":"function","name":"getStrandDescription","stateMutability":"view","inputs":[
   {"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"getStrandCreatedAt","stateMutability":"view","inputs":[
   {"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"isAgent","stateMutability":"view","inputs":[
   {"name":"agent","type":"address"},{"name":"strandID","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
 {"type":"event","name":"BlockAdded","anonymous":false,"inputs":[
   {"name":"strandID","type":"uint256","indexed":true},
   {"name":"blockNumber","type":"uint256","indexed":true},
   {"name":"blockHash","type":"bytes32","indexed":false},
   {"name":"agent","type":"address","indexed":false}]}
]`

// ContractABI is the parsed Braided contract interface.
var ContractABI = mustParseABI(ContractABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("evm: invalid contract ABI: " + err.Error())
	}
	return parsed
}
