package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Only the view functions the reader calls are declared.
const (
	lockerFactoryABIJSON = `[
  {"type":"function","name":"getLockerAddress","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"isCreated","type":"bool"},{"name":"lockerAddress","type":"address"}]}
]`

	poolABIJSON = `[
  {"type":"function","name":"getUnits","stateMutability":"view",
   "inputs":[{"name":"memberAddr","type":"address"}],
   "outputs":[{"name":"","type":"uint128"}]},
  {"type":"function","name":"getTotalUnits","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint128"}]}
]`

	methodGetLockerAddress = "getLockerAddress"
	methodGetUnits         = "getUnits"
	methodGetTotalUnits    = "getTotalUnits"
)

var (
	LockerFactoryABI = mustParseABI(lockerFactoryABIJSON)
	PoolABI          = mustParseABI(poolABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
