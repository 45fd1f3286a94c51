package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/TokenFox/app/models"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
	"github.com/ManuelReschke/TokenFox/internal/pkg/usercontext"
)

// EstimateController quotes and settles metered actions.
type EstimateController struct {
	engine *ledger.Engine
}

func NewEstimateController(engine *ledger.Engine) *EstimateController {
	return &EstimateController{engine: engine}
}

type createEstimateRequest struct {
	Service             string                 `json:"service" validate:"required,oneof=gemini getimg tts"`
	Action              string                 `json:"action" validate:"required,max=100"`
	Prompt              string                 `json:"prompt"`
	BaseTokens          int64                  `json:"baseTokens" validate:"min=0"`
	OperatingCostTokens int64                  `json:"operatingCostTokens" validate:"min=0"`
	BaseUSD             decimal.Decimal        `json:"baseUsd"`
	OperatingCostUSD    decimal.Decimal        `json:"operatingCostUsd"`
	Parameters          map[string]interface{} `json:"parameters"`
}

// HandleCreateEstimate stores a quote for the caller.
func (ec *EstimateController) HandleCreateEstimate(c *fiber.Ctx) error {
	var req createEstimateRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	if req.BaseTokens+req.OperatingCostTokens < 1 {
		return respondError(c, fiber.StatusBadRequest, "validation_failed", "An estimate must cost at least one token")
	}
	if req.BaseUSD.IsNegative() || req.OperatingCostUSD.IsNegative() {
		return respondError(c, fiber.StatusBadRequest, "validation_failed", "Costs must not be negative")
	}

	estimate := &models.CostEstimate{
		AccountID: usercontext.GetAccountID(c),
		Service:   req.Service,
		Action:    req.Action,
		Prompt:    req.Prompt,
		Quote: models.TokenQuote{
			BaseTokens:          req.BaseTokens,
			OperatingCostTokens: req.OperatingCostTokens,
			BaseUSD:             req.BaseUSD,
			OperatingCostUSD:    req.OperatingCostUSD,
		},
		Parameters: req.Parameters,
	}
	if err := ec.engine.CreateEstimate(c.UserContext(), estimate); err != nil {
		return handleServiceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(estimate)
}

// HandleGetEstimate returns one of the caller's estimates.
func (ec *EstimateController) HandleGetEstimate(c *fiber.Ctx) error {
	estimate, ok, err := ec.ownedEstimate(c)
	if !ok {
		return err
	}
	return c.JSON(estimate)
}

// HandleSettleEstimate charges an estimate. A rejected settlement answers 402
// with the result body; a partial one answers 200 with can_proceed false.
func (ec *EstimateController) HandleSettleEstimate(c *fiber.Ctx) error {
	estimate, ok, err := ec.ownedEstimate(c)
	if !ok {
		return err
	}
	result, err := ec.engine.Settle(c.UserContext(), estimate.ID)
	if err != nil {
		return handleServiceError(c, err)
	}
	if !result.CanProceed && result.PartialTokensUsed == nil {
		return c.Status(fiber.StatusPaymentRequired).JSON(result)
	}
	return c.JSON(result)
}

// HandleFailEstimate marks an estimate failed without charging it.
func (ec *EstimateController) HandleFailEstimate(c *fiber.Ctx) error {
	estimate, ok, err := ec.ownedEstimate(c)
	if !ok {
		return err
	}
	failed, err := ec.engine.MarkFailed(c.UserContext(), estimate.ID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(failed)
}

// ownedEstimate loads the :id estimate. Estimates of other accounts are
// reported as missing.
func (ec *EstimateController) ownedEstimate(c *fiber.Ctx) (*models.CostEstimate, bool, error) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return nil, false, respondError(c, fiber.StatusBadRequest, "invalid_request", "Invalid estimate id")
	}
	estimate, err := ec.engine.Repository().GetEstimate(c.UserContext(), id)
	if err != nil {
		return nil, false, handleServiceError(c, err)
	}
	if estimate.AccountID != usercontext.GetAccountID(c) {
		return nil, false, respondError(c, fiber.StatusNotFound, "not_found", "Estimate not found")
	}
	return estimate, true, nil
}
