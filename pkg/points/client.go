// Package points talks to the off-chain point ledger that records each
// participant's allocation per reward program.
package points

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowpoints/eligibility/pkg/utils"
)

const (
	defaultBatchSize = 100

	// IdempotencyHeader carries the stable per-address grant key.
	IdempotencyHeader = "Idempotency-Key"
)

// Allocation is a participant's point balance in one program.
type Allocation struct {
	Address string `json:"address"`
	Points  uint64 `json:"points"`
}

// GrantRequest asks the ledger to award points once per IdempotencyKey.
type GrantRequest struct {
	Address        string `json:"address"`
	ProgramID      string `json:"programId"`
	Points         uint64 `json:"points"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Ack is the ledger's answer to a grant submission. Duplicate is set when the
// key had already been applied and the submission was collapsed.
type Ack struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	EventID   string `json:"eventId,omitempty"`
}

// Client captures the point ledger calls used by the eligibility engine.
type Client interface {
	BatchFetchAllocations(ctx context.Context, programID string, addresses []string) ([]Allocation, error)
	SubmitGrant(ctx context.Context, req GrantRequest) (Ack, error)
}

var _ Client = (*HTTPClient)(nil)

func allocationsPath(programID string) string {
	return "/v1/programs/" + url.PathEscape(programID) + "/allocations"
}

func grantsPath(programID string) string {
	return "/v1/programs/" + url.PathEscape(programID) + "/grants"
}

type allocationsRequest struct {
	Addresses []string `json:"addresses"`
}

type allocationsResponse struct {
	Allocations []Allocation `json:"allocations"`
}

// BatchFetchAllocations returns allocations for addresses in programID. The
// ledger may omit addresses it has never seen; callers treat those as zero.
// Requests are split into chunks of the configured batch size and the first
// failing chunk fails the call, since a partial list would read as zero points.
func (c *HTTPClient) BatchFetchAllocations(ctx context.Context, programID string, addresses []string) ([]Allocation, error) {
	if strings.TrimSpace(programID) == "" {
		return nil, fmt.Errorf("program id required")
	}
	out := make([]Allocation, 0, len(addresses))
	for _, chunk := range utils.Chunk(addresses, c.batchSize) {
		var resp allocationsResponse
		if err := c.doJSON(ctx, http.MethodPost, allocationsPath(programID), nil, allocationsRequest{Addresses: chunk}, &resp); err != nil {
			return nil, fmt.Errorf("fetch allocations for program %s: %w", programID, err)
		}
		for _, a := range resp.Allocations {
			a.Address = strings.ToLower(strings.TrimSpace(a.Address))
			out = append(out, a)
		}
	}
	return out, nil
}

// SubmitGrant posts a bootstrap grant. The idempotency key is sent both as a
// header and in the body; a 409 is the ledger telling us the key was already
// applied and is reported as a duplicate ack rather than an error.
func (c *HTTPClient) SubmitGrant(ctx context.Context, req GrantRequest) (Ack, error) {
	if req.IdempotencyKey == "" {
		return Ack{}, fmt.Errorf("idempotency key required")
	}
	if req.Points == 0 {
		return Ack{}, fmt.Errorf("grant points must be positive")
	}
	headers := map[string]string{IdempotencyHeader: req.IdempotencyKey}

	var ack Ack
	err := c.doJSON(ctx, http.MethodPost, grantsPath(req.ProgramID), headers, req, &ack)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusConflict {
			return Ack{Accepted: true, Duplicate: true}, nil
		}
		return Ack{}, fmt.Errorf("submit grant for %s: %w", req.Address, err)
	}
	if !ack.Accepted && !ack.Duplicate {
		ack.Accepted = true
	}
	return ack, nil
}
