// Package custody is the off-chain view of the custody contract: its ABI,
// the channel id and state hash encodings, log decoding, a polling watcher
// and a transactor for the calls the broker makes itself.
package custody

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	allocationComponents = `[
		{"name":"destination","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"}
	]`

	stateComponents = `[
		{"name":"intent","type":"uint8"},
		{"name":"version","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"allocations","type":"tuple[]","components":` + allocationComponents + `},
		{"name":"sigs","type":"bytes[]"}
	]`

	channelComponents = `[
		{"name":"participants","type":"address[]"},
		{"name":"adjudicator","type":"address"},
		{"name":"challenge","type":"uint64"},
		{"name":"nonce","type":"uint64"}
	]`

	stateArg  = `"type":"tuple","components":` + stateComponents
	proofsArg = `{"name":"proofs","type":"tuple[]","components":` + stateComponents + `}`

	custodyABI = `[
	{"type":"function","name":"open","stateMutability":"nonpayable",
	 "inputs":[{"name":"ch","type":"tuple","components":` + channelComponents + `},{"name":"initial",` + stateArg + `}],
	 "outputs":[{"name":"channelId","type":"bytes32"}]},
	{"type":"function","name":"resize","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate",` + stateArg + `},` + proofsArg + `],"outputs":[]},
	{"type":"function","name":"close","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate",` + stateArg + `},` + proofsArg + `],"outputs":[]},
	{"type":"function","name":"challenge","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate",` + stateArg + `},` + proofsArg + `,{"name":"challengerSig","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"checkpoint","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"},{"name":"candidate",` + stateArg + `},` + proofsArg + `],"outputs":[]},
	{"type":"function","name":"reclaim","stateMutability":"nonpayable",
	 "inputs":[{"name":"channelId","type":"bytes32"}],"outputs":[]},

	{"type":"event","name":"ChannelCreated","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"wallet","type":"address","indexed":true},
	           {"name":"channel","type":"tuple","components":` + channelComponents + `,"indexed":false},
	           {"name":"initial",` + stateArg + `,"indexed":false}]},
	{"type":"event","name":"ChannelOpened","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true}]},
	{"type":"event","name":"ChannelResized","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"deltaAllocations","type":"int256[]","indexed":false}]},
	{"type":"event","name":"ChannelClosed","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"finalState",` + stateArg + `,"indexed":false}]},
	{"type":"event","name":"ChannelChallenged","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"state",` + stateArg + `,"indexed":false},
	           {"name":"expiration","type":"uint256","indexed":false}]},
	{"type":"event","name":"ChannelCheckpointed","anonymous":false,
	 "inputs":[{"name":"channelId","type":"bytes32","indexed":true},{"name":"state",` + stateArg + `,"indexed":false}]}
]`
)

// ContractABI is the parsed custody contract interface.
var ContractABI = mustParseABI(custodyABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("custody: invalid abi: " + err.Error())
	}
	return parsed
}
