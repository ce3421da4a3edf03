// README: Driver handlers; location pings, availability and nearby search.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/config"
	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/modules/tracking"
	"supportcarr/internal/types"
)

const maxBatchUpdates = 500

type DriverHandler struct {
	locations *location.Index
	tracking  *tracking.Service
	cfg       config.LocationConfig
}

func NewDriverHandler(locations *location.Index, tracking *tracking.Service, cfg config.LocationConfig) *DriverHandler {
	if cfg.DefaultQueryLimit <= 0 {
		cfg.DefaultQueryLimit = 20
	}
	if cfg.MaxQueryRadiusKm <= 0 {
		cfg.MaxQueryRadiusKm = 50
	}
	return &DriverHandler{locations: locations, tracking: tracking, cfg: cfg}
}

// self checks that a driver acts on their own :id. Operators may act for anyone.
func self(c *gin.Context) (types.ID, bool) {
	id, ok := pathID(c)
	if !ok {
		return "", false
	}
	who := caller(c)
	if privileged(who) {
		return id, true
	}
	if who.Role != rescue.RoleDriver {
		forbidden(c, "driver role required")
		return "", false
	}
	if who.ID != id {
		forbidden(c, "id does not match authenticated user")
		return "", false
	}
	return id, true
}

type locationReq struct {
	Lat     float64    `json:"lat"`
	Lng     float64    `json:"lng"`
	Heading float64    `json:"heading"`
	Speed   float64    `json:"speed"`
	At      *time.Time `json:"at"`
}

func (r locationReq) update(driverID types.ID) tracking.Update {
	u := tracking.Update{DriverID: driverID, Position: types.Point{Lat: r.Lat, Lng: r.Lng}, Heading: r.Heading, Speed: r.Speed}
	if r.At != nil {
		u.At = *r.At
	}
	return u
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id, ok := self(c)
	if !ok {
		return
	}
	var req locationReq
	if !bind(c, &req) {
		return
	}
	res, err := h.tracking.Ingest(c.Request.Context(), req.update(id))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type batchReq struct {
	Updates []tracking.Update `json:"updates"`
}

// BatchLocations applies a gateway's batch; entries succeed or fail independently.
func (h *DriverHandler) BatchLocations(c *gin.Context) {
	var req batchReq
	if !bind(c, &req) {
		return
	}
	if len(req.Updates) == 0 || len(req.Updates) > maxBatchUpdates {
		writeMessage(c, http.StatusBadRequest, fmt.Sprintf("batch must hold 1 to %d updates", maxBatchUpdates))
		return
	}
	results := h.tracking.BatchIngest(c.Request.Context(), req.Updates)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"results": results, "applied": len(results) - failed, "failed": failed})
}

type availabilityReq struct {
	Online    *bool `json:"online"`
	Available *bool `json:"available"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id, ok := self(c)
	if !ok {
		return
	}
	var req availabilityReq
	if !bind(c, &req) {
		return
	}
	if req.Online == nil || req.Available == nil {
		writeMessage(c, http.StatusBadRequest, "online and available required")
		return
	}
	rec, err := h.locations.SetAvailability(c.Request.Context(), id, *req.Online, *req.Available)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (h *DriverHandler) Nearby(c *gin.Context) {
	center, err := pointQuery(c, "lat", "lng")
	if err != nil {
		writeError(c, err)
		return
	}
	radius, err := floatQuery(c, "radius_km", 10, false)
	if err != nil {
		writeError(c, err)
		return
	}
	if radius <= 0 || radius > h.cfg.MaxQueryRadiusKm {
		writeMessage(c, http.StatusBadRequest, fmt.Sprintf("radius_km must be in (0, %g]", h.cfg.MaxQueryRadiusKm))
		return
	}
	limit := h.cfg.DefaultQueryLimit
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			writeMessage(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	hits, err := h.locations.RadiusQuery(c.Request.Context(), center, radius, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if hits == nil {
		hits = []location.Nearby{}
	}
	writeJSON(c, http.StatusOK, gin.H{"drivers": hits})
}
