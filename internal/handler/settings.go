package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rewardhub/internal/paas"
	"rewardhub/internal/service"
)

type SettingsHandler struct {
	Settings *service.SystemSettingsService
}

func (h *SettingsHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/settings")
	g.GET("", h.list)
	g.PUT("/:key", h.put)
}

// @Summary List runtime settings
// @Tags settings
// @Param prefix query string false "key prefix, e.g. feature."
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/v1/settings [get]
func (h *SettingsHandler) list(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 200)
	offset := intQuery(c, "offset", 0)
	items, err := h.Settings.List(c.Request.Context(), c.Query("prefix"), limit, offset)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

type putSettingRequest struct {
	Value       any    `json:"value"`
	Description string `json:"description"`
}

// @Summary Write a runtime setting
// @Tags settings
// @Param key path string true "setting key"
// @Param body body putSettingRequest true "value"
// @Success 200 {object} apiResponse
// @Router /api/v1/settings/{key} [put]
func (h *SettingsHandler) put(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		Error(c, http.StatusBadRequest, "invalid key", nil)
		return
	}
	var req putSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	raw, err := json.Marshal(req.Value)
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid value", nil)
		return
	}
	if err := h.Settings.Put(c.Request.Context(), key, raw, strings.TrimSpace(req.Description)); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	paas.LogBestEffort(c, "setting_updated", "info", map[string]any{"key": key})
	Ok(c, gin.H{"key": key, "value": req.Value}, nil)
}
