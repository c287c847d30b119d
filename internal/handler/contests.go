package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"rewardhub/internal/contest"
	"rewardhub/internal/paas"
)

type ContestHandler struct {
	Manager *contest.Manager
	Clock   clockwork.Clock
}

func (h *ContestHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/contests")
	g.POST("/open", h.open)
	g.GET("/active", h.active)
	g.POST("/votes", h.vote)
	g.POST("/finalize", h.finalize)
	g.POST("/force-finalize", h.forceFinalize)
}

// @Summary Open a contest
// @Tags contests
// @Success 200 {object} apiResponse
// @Router /api/v1/contests/open [post]
func (h *ContestHandler) open(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "contest manager unavailable", nil)
		return
	}
	item, err := h.Manager.Open(c.Request.Context(), clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, item, nil)
}

// @Summary Active contest with candidates and vote counts
// @Tags contests
// @Success 200 {object} apiResponse
// @Router /api/v1/contests/active [get]
func (h *ContestHandler) active(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "contest manager unavailable", nil)
		return
	}
	ctx := c.Request.Context()
	item, err := h.Manager.Active(ctx, clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "no active contest", nil)
		return
	}
	standings, err := h.Manager.Candidates(ctx)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"contest": item, "candidates": standings}, nil)
}

type castVoteRequest struct {
	VoterID     uint64 `json:"voter_id" binding:"required"`
	CandidateID uint64 `json:"candidate_id" binding:"required"`
}

// @Summary Vote for a candidate
// @Tags contests
// @Param body body castVoteRequest true "vote"
// @Success 200 {object} apiResponse
// @Router /api/v1/contests/votes [post]
func (h *ContestHandler) vote(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "contest manager unavailable", nil)
		return
	}
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "voter_id and candidate_id required", nil)
		return
	}
	vote, err := h.Manager.CastVote(c.Request.Context(), req.VoterID, req.CandidateID, clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, vote, nil)
}

// @Summary Finalize the contest if it has closed
// @Tags contests
// @Success 200 {object} apiResponse
// @Router /api/v1/contests/finalize [post]
func (h *ContestHandler) finalize(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "contest manager unavailable", nil)
		return
	}
	report, err := h.Manager.Finalize(c.Request.Context(), clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	if report == nil {
		Ok(c, nil, map[string]any{"finalized": false})
		return
	}
	Ok(c, report, map[string]any{"finalized": true})
}

// @Summary Close and finalize the active contest now
// @Tags contests
// @Success 200 {object} apiResponse
// @Router /api/v1/contests/force-finalize [post]
func (h *ContestHandler) forceFinalize(c *gin.Context) {
	if h.Manager == nil {
		Error(c, http.StatusInternalServerError, "contest manager unavailable", nil)
		return
	}
	report, err := h.Manager.ForceFinalize(c.Request.Context(), clockOr(h.Clock).Now())
	if err != nil {
		Fail(c, err)
		return
	}
	if report != nil {
		paas.LogBestEffort(c, "contest_force_finalize", "warn", map[string]any{
			"contest_id": report.ContestID,
			"ref":        report.Ref,
			"paid":       report.Totals.Paid,
			"failed":     report.Totals.Failed,
		})
	}
	Ok(c, report, map[string]any{"finalized": report != nil})
}
