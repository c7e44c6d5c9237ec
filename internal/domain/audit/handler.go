package audit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medclinic/clinic/internal/platform/auth"
	"github.com/medclinic/clinic/pkg/pagination"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit-logs", h.List, auth.RequireRole(auth.RoleAdmin))
}

// List handles GET /audit-logs?user_id=&resource=&limit=&offset=.
func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	f := Filter{UserID: c.QueryParam("user_id"), Resource: c.QueryParam("resource")}
	entries, total, err := h.store.List(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, p))
}
