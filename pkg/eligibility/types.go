package eligibility

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Program is one reward pool. It is static configuration and is shared by
// concurrent computations, so it is never written after construction.
type Program struct {
	ID            string
	Name          string
	PoolAddress   common.Address
	TotalFlowRate *big.Int
	// Primary marks the community program that bootstrap grants are issued in.
	Primary bool
}

// ProgramEligibility is one address's standing in one program. Rates are
// decimal strings of wei per second.
type ProgramEligibility struct {
	ProgramID         string `json:"programId"`
	ProgramName       string `json:"programName"`
	Points            uint64 `json:"points"`
	ClaimedAmount     string `json:"claimedAmount"`
	NeedToClaim       bool   `json:"needToClaim"`
	EstimatedFlowRate string `json:"estimatedFlowRate"`
	UnclaimedFlowRate string `json:"unclaimedFlowRate"`
}

// GrantSummary reports the bootstrap grant decision taken for the address in this call.
type GrantSummary struct {
	Outcome   string `json:"outcome"`
	ProgramID string `json:"programId"`
	Points    uint64 `json:"points,omitempty"`
}

type AddressEligibility struct {
	Address        string               `json:"address"`
	HasAllocations bool                 `json:"hasAllocations"`
	ClaimNeeded    bool                 `json:"claimNeeded"`
	TotalFlowRate  string               `json:"totalFlowRate"`
	Eligibility    []ProgramEligibility `json:"eligibility"`
	AutoGrant      *GrantSummary        `json:"autoGrant,omitempty"`
}

func (a AddressEligibility) clone() AddressEligibility {
	out := a
	out.Eligibility = append([]ProgramEligibility(nil), a.Eligibility...)
	if a.AutoGrant != nil {
		g := *a.AutoGrant
		out.AutoGrant = &g
	}
	return out
}
