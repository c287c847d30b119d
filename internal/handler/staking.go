package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"rewardhub/internal/rewarderr"
	"rewardhub/internal/staking"
)

type StakingHandler struct {
	Ledger *staking.Ledger
	Clock  clockwork.Clock
}

func (h *StakingHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/staking")
	g.POST("/stake", h.stake)
	g.POST("/claim", h.claim)
	g.POST("/unstake", h.unstake)
	g.POST("/deposits", h.deposit)
}

type stakeRequest struct {
	UserID uint64 `json:"user_id" binding:"required"`
	// USD value to stake; empty uses the configured stake size.
	USDValue string `json:"usd_value"`
}

type userRequest struct {
	UserID uint64 `json:"user_id" binding:"required"`
}

type depositRequest struct {
	UserID uint64 `json:"user_id" binding:"required"`
	TxHash string `json:"tx_hash" binding:"required"`
}

// @Summary Stake from the user's custodial wallet
// @Tags staking
// @Param body body stakeRequest true "stake"
// @Success 200 {object} apiResponse
// @Router /api/v1/staking/stake [post]
func (h *StakingHandler) stake(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "staking unavailable", nil)
		return
	}
	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	usd := decimal.Zero
	if v := strings.TrimSpace(req.USDValue); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			Fail(c, rewarderr.ErrInvalidAmount)
			return
		}
		usd = d
	}
	pos, err := h.Ledger.Stake(c.Request.Context(), req.UserID, usd, clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, pos, nil)
}

// @Summary Claim accrued staking rewards
// @Tags staking
// @Param body body userRequest true "user"
// @Success 200 {object} apiResponse
// @Router /api/v1/staking/claim [post]
func (h *StakingHandler) claim(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "staking unavailable", nil)
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	res, err := h.Ledger.Claim(c.Request.Context(), req.UserID, clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, res, nil)
}

// @Summary Unstake unlocked positions
// @Tags staking
// @Param body body userRequest true "user"
// @Success 200 {object} apiResponse
// @Router /api/v1/staking/unstake [post]
func (h *StakingHandler) unstake(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "staking unavailable", nil)
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	res, err := h.Ledger.Unstake(c.Request.Context(), req.UserID, clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, res, nil)
}

// @Summary Confirm a deposit sent to the holding address
// @Tags staking
// @Param body body depositRequest true "deposit"
// @Success 200 {object} apiResponse
// @Router /api/v1/staking/deposits [post]
func (h *StakingHandler) deposit(c *gin.Context) {
	if h.Ledger == nil {
		Error(c, http.StatusInternalServerError, "staking unavailable", nil)
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "user_id and tx_hash required", nil)
		return
	}
	pos, err := h.Ledger.ConfirmDeposit(c.Request.Context(), req.UserID, req.TxHash, clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, pos, nil)
}
