package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/silent-relay/internal/license"
	"github.com/vovakirdan/silent-relay/internal/store"
)

// LicenseHandlers provides HTTP handlers for license endpoints.
type LicenseHandlers struct {
	licenses *license.Service
	log      *zerolog.Logger
}

// NewLicenseHandlers creates a new license handlers instance.
func NewLicenseHandlers(licenses *license.Service, logger *zerolog.Logger) *LicenseHandlers {
	return &LicenseHandlers{
		licenses: licenses,
		log:      logger,
	}
}

// RegisterRequest represents the license registration request body.
type RegisterRequest struct {
	InstallID string `json:"install_id" binding:"required"`
}

// Register starts a trial or returns the existing license.
// POST /license/register
func (h *LicenseHandlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "install_id is required"})
		return
	}

	resp, err := h.licenses.Register(c.Request.Context(), req.InstallID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Status reports the license of an installation.
// GET /license/status?install_id=
func (h *LicenseHandlers) Status(c *gin.Context) {
	resp, err := h.licenses.Status(c.Request.Context(), c.Query("install_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Activate promotes an installation to the paid tier.
// POST /api/admin/licenses/:install_id/activate
func (h *LicenseHandlers) Activate(c *gin.Context) {
	resp, err := h.licenses.Activate(c.Request.Context(), c.Param("install_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info().Str("admin", c.GetString(ContextKeyAdminSubject)).Msg("license activated via admin api")
	c.JSON(http.StatusOK, resp)
}

func (h *LicenseHandlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, license.ErrInvalidInstallID):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "install_id is required"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "install_id not found"})
	default:
		h.log.Error().Err(err).Msg("license request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
