package pipeline

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/evoline/evoline/internal/domain/identity"
)

// Handler exposes the evolution pipeline via Echo HTTP routes.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes binds the pipeline routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients/:identifier/evolution", h.GetEvolution)
}

// GetEvolution handles GET /patients/:identifier/evolution. It runs the
// pipeline, persists the output, and returns it.
func (h *Handler) GetEvolution(c echo.Context) error {
	identifier := c.Param("identifier")

	out, err := h.svc.Run(c.Request().Context(), identifier)
	switch {
	case errors.Is(err, identity.ErrEmptyIdentifier):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "patient identifier is required"})
	case errors.Is(err, identity.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "patient not found"})
	case errors.Is(err, identity.ErrAmbiguous):
		return c.JSON(http.StatusConflict, map[string]string{"error": "patient identifier matches multiple patients"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, out)
}
