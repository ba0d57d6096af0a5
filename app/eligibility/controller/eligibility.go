package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"

	"github.com/flowpoints/eligibility/pkg/eligibility"
	"github.com/flowpoints/eligibility/pkg/utils"
)

const maxRequestBody = 1 << 20

type eligibilityRequest struct {
	Addresses []string `json:"addresses"`
}

type eligibilityResponse struct {
	Results []eligibility.AddressEligibility `json:"results"`
}

// HandleEligibility computes eligibility for the addresses in the JSON body.
// POST /eligibility {"addresses": ["0x..", ...]}
func (c *Controller) HandleEligibility(w http.ResponseWriter, r *http.Request) {
	var req eligibilityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be {\"addresses\": [...]}")
		return
	}
	c.respond(r.Context(), w, req.Addresses)
}

// HandleEligibilityQuery is the GET form of HandleEligibility.
// GET /eligibility?addresses=0x..,0x..
func (c *Controller) HandleEligibilityQuery(w http.ResponseWriter, r *http.Request) {
	c.respond(r.Context(), w, utils.SplitCSV(r.URL.Query().Get("addresses")))
}

func (c *Controller) respond(ctx context.Context, w http.ResponseWriter, addresses []string) {
	results, err := c.App.Engine.ComputeEligibility(ctx, addresses)
	if err != nil {
		var inputErr *eligibility.InputError
		if errors.As(err, &inputErr) {
			writeError(w, http.StatusBadRequest, inputErr.Code(), inputErr.Error())
			return
		}
		if errors.Is(err, context.Canceled) {
			// client went away
			return
		}
		c.App.Logger.Error("eligibility computation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "eligibility computation failed")
		return
	}
	writeJSON(w, http.StatusOK, eligibilityResponse{Results: results})
}
