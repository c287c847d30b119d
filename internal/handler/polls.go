package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"rewardhub/internal/poll"
	"rewardhub/internal/rewarderr"
)

type PollHandler struct {
	Manager *poll.Manager
	Clock   clockwork.Clock
}

func (h *PollHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/polls")
	g.POST("/open", h.open)
	g.GET("/active", h.active)
	g.POST("/predictions", h.predict)
	g.POST("/resolve", h.resolve)
	g.POST("/refresh", h.refresh)
}

// @Summary Open a prediction poll
// @Tags polls
// @Success 200 {object} apiResponse
// @Router /api/v1/polls/open [post]
func (h *PollHandler) open(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "poll manager unavailable", nil)
		return
	}
	item, err := h.Manager.Open(c.Request.Context(), clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary Active poll and its instruments
// @Tags polls
// @Success 200 {object} apiResponse
// @Router /api/v1/polls/active [get]
func (h *PollHandler) active(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "poll manager unavailable", nil)
		return
	}
	item, err := h.Manager.Active(c.Request.Context(), clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "no active poll", nil)
		return
	}
	Ok(c, item, nil)
}

type submitPredictionRequest struct {
	UserID       uint64 `json:"user_id" binding:"required"`
	InstrumentID uint64 `json:"instrument_id" binding:"required"`
	Price        string `json:"price" binding:"required"`
}

// @Summary Submit a price prediction
// @Tags polls
// @Param body body submitPredictionRequest true "prediction"
// @Success 200 {object} apiResponse
// @Router /api/v1/polls/predictions [post]
func (h *PollHandler) predict(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "poll manager unavailable", nil)
		return
	}
	var req submitPredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "user_id, instrument_id and price required", nil)
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		Fail(c, rewarderr.ErrInvalidPrice.Wrap(err))
		return
	}
	pred, err := h.Manager.SubmitPrediction(c.Request.Context(), req.UserID, req.InstrumentID, price, clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, pred, nil)
}

// @Summary Resolve due polls and open the next one
// @Tags polls
// @Success 200 {object} apiResponse
// @Router /api/v1/polls/resolve [post]
func (h *PollHandler) resolve(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "poll manager unavailable", nil)
		return
	}
	report, err := h.Manager.Resolve(c.Request.Context(), clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, report, nil)
}

// @Summary Refresh reference prices of active polls
// @Tags polls
// @Success 200 {object} apiResponse
// @Router /api/v1/polls/refresh [post]
func (h *PollHandler) refresh(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "poll manager unavailable", nil)
		return
	}
	report, err := h.Manager.RefreshReferencePrices(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, report, nil)
}
