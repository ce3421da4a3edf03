// README: Price quotes and ETA estimates.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/tracking"
)

type QuoteHandler struct {
	pricing  *pricing.Service
	tracking *tracking.Service
}

func NewQuoteHandler(pricing *pricing.Service, tracking *tracking.Service) *QuoteHandler {
	return &QuoteHandler{pricing: pricing, tracking: tracking}
}

func (h *QuoteHandler) Quote(c *gin.Context) {
	var req quoteReq
	if !bind(c, &req) {
		return
	}
	b, err := h.pricing.Calculate(c.Request.Context(), req.Pickup.Point, req.Dropoff.Point, pricing.Options{
		PromoCode:    req.PromoCode,
		RiderID:      caller(c).ID,
		ScheduledFor: req.ScheduledFor,
		Urgent:       req.Urgent,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, b)
}

func (h *QuoteHandler) ETA(c *gin.Context) {
	from, err := pointQuery(c, "from_lat", "from_lng")
	if err != nil {
		writeError(c, err)
		return
	}
	to, err := pointQuery(c, "to_lat", "to_lng")
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h.tracking.ETA(from, to))
}
