// README: Rescue handlers; request, lifecycle transitions, dispatch and journey views.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/modules/matching"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/modules/tracking"
	"supportcarr/internal/types"
)

type RescueHandler struct {
	rescues  *rescue.Service
	pricing  *pricing.Service
	matching *matching.Service
	tracking *tracking.Service
}

func NewRescueHandler(rescues *rescue.Service, pricing *pricing.Service, matching *matching.Service, tracking *tracking.Service) *RescueHandler {
	return &RescueHandler{rescues: rescues, pricing: pricing, matching: matching, tracking: tracking}
}

type quoteReq struct {
	Pickup       rescue.Location `json:"pickup"`
	Dropoff      rescue.Location `json:"dropoff"`
	PromoCode    string          `json:"promo_code"`
	Urgent       bool            `json:"urgent"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
}

type createRescueReq struct {
	quoteReq
	Issue rescue.Issue `json:"issue"`
	// RiderID is honoured for admin callers only.
	RiderID string `json:"rider_id"`
}

func (h *RescueHandler) Create(c *gin.Context) {
	var req createRescueReq
	if !bind(c, &req) {
		return
	}
	who := caller(c)
	riderID := who.ID
	switch {
	case who.Role == rescue.RoleAdmin && req.RiderID != "":
		riderID = types.ID(req.RiderID)
	case who.Role != rescue.RoleRider && who.Role != rescue.RoleAdmin:
		forbidden(c, "rider role required")
		return
	}

	quote, err := h.pricing.Calculate(c.Request.Context(), req.Pickup.Point, req.Dropoff.Point, pricing.Options{
		PromoCode:    req.PromoCode,
		RiderID:      riderID,
		ScheduledFor: req.ScheduledFor,
		Urgent:       req.Urgent,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	r, err := h.rescues.Create(c.Request.Context(), rescue.CreateCommand{
		RiderID: riderID,
		Pickup:  req.Pickup,
		Dropoff: req.Dropoff,
		Issue:   req.Issue,
		Quote:   quote,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

// canView: owner rider, assigned driver, any driver while the rescue is still
// being offered, and operators.
func canView(who rescue.Actor, r rescue.Rescue) bool {
	switch who.Role {
	case rescue.RoleAdmin, rescue.RoleSystem:
		return true
	case rescue.RoleRider:
		return r.RiderID == who.ID
	case rescue.RoleDriver:
		return r.AssignedTo(who.ID) || r.Status == rescue.StatusRequested || r.Status == rescue.StatusMatched
	}
	return false
}

func ownsOrOperates(who rescue.Actor, r rescue.Rescue) bool {
	return privileged(who) || (who.Role == rescue.RoleRider && r.RiderID == who.ID)
}

// load fetches the :id rescue and checks the caller may see it.
func (h *RescueHandler) load(c *gin.Context) (rescue.Rescue, bool) {
	id, ok := pathID(c)
	if !ok {
		return rescue.Rescue{}, false
	}
	r, err := h.rescues.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return rescue.Rescue{}, false
	}
	if !canView(caller(c), r) {
		forbidden(c, "not a party to this rescue")
		return rescue.Rescue{}, false
	}
	return r, true
}

func (h *RescueHandler) Get(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RescueHandler) Candidates(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	if !ownsOrOperates(caller(c), r) {
		forbidden(c, "rider or operator required")
		return
	}
	list, err := h.matching.FindCandidates(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (h *RescueHandler) Dispatch(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	if !ownsOrOperates(caller(c), r) {
		forbidden(c, "rider or operator required")
		return
	}
	res, err := h.matching.Dispatch(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *RescueHandler) Accept(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	who := caller(c)
	if who.Role != rescue.RoleDriver {
		forbidden(c, "driver role required")
		return
	}
	r, err := h.rescues.Accept(c.Request.Context(), id, who.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

type transitionReq struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (h *RescueHandler) Transition(c *gin.Context) {
	var req transitionReq
	if !bind(c, &req) {
		return
	}
	r, ok := h.load(c)
	if !ok {
		return
	}
	who := caller(c)
	to := rescue.Status(req.Status)
	if who.Role == rescue.RoleRider && to != rescue.StatusCancelled {
		forbidden(c, "riders may only cancel")
		return
	}
	out, err := h.rescues.TransitionTo(c.Request.Context(), rescue.TransitionCommand{
		ID:    r.ID,
		To:    to,
		Actor: who,
		Note:  req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *RescueHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if !bind(c, &req) {
		return
	}
	r, ok := h.load(c)
	if !ok {
		return
	}
	who := caller(c)
	if who.Role == rescue.RoleDriver && !r.AssignedTo(who.ID) {
		forbidden(c, "driver is not assigned")
		return
	}
	out, err := h.rescues.Cancel(c.Request.Context(), rescue.CancelCommand{ID: r.ID, Reason: req.Reason, CancelledBy: who})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

type completeReq struct {
	// FinalPrice defaults to the quoted total.
	FinalPrice *int64 `json:"final_price"`
}

func (h *RescueHandler) Complete(c *gin.Context) {
	var req completeReq
	if !bind(c, &req) {
		return
	}
	r, ok := h.load(c)
	if !ok {
		return
	}
	who := caller(c)
	if !privileged(who) && !(who.Role == rescue.RoleDriver && r.AssignedTo(who.ID)) {
		forbidden(c, "assigned driver or operator required")
		return
	}
	price := r.Price.Total
	if req.FinalPrice != nil {
		price = *req.FinalPrice
	}
	out, err := h.rescues.Complete(c.Request.Context(), r.ID, price)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

type noteReq struct {
	Note string `json:"note"`
}

func (h *RescueHandler) AddNote(c *gin.Context) {
	var req noteReq
	if !bind(c, &req) {
		return
	}
	r, ok := h.load(c)
	if !ok {
		return
	}
	out, err := h.rescues.AppendNote(c.Request.Context(), r.ID, caller(c), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *RescueHandler) Journey(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	j, err := h.tracking.TrackJourney(c.Request.Context(), r.ID, "")
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, j)
}

func (h *RescueHandler) Waypoints(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	wps, err := h.tracking.Waypoints(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if wps == nil {
		wps = []tracking.Waypoint{}
	}
	writeJSON(c, http.StatusOK, gin.H{"rescue_id": r.ID, "waypoints": wps})
}
