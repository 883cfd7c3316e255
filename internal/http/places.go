package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/cartrabbit/internal/directory"
	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/ride"
	"github.com/example/cartrabbit/internal/tracker"
)

type placesResponse struct {
	Category string            `json:"category"`
	Places   []models.Business `json:"places"`
	HasMore  bool              `json:"has_more"`
}

// handlePlaces selects a category and lists what the caller's directory has
// cached for it, filtered and sorted in memory.
func (s *Server) handlePlaces(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	by, err := directory.ParseSort(q.Get("sort"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d := s.Places.Get(who.ID)
	s.originFor(r, who, d)
	if _, err := d.Select(r.Context(), q.Get("category")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePlaces(w, d, directory.Query{Search: q.Get("search"), SortBy: by})
}

type morePlacesRequest struct {
	Search string `json:"search,omitempty"`
	Sort   string `json:"sort,omitempty"`
}

func (s *Server) handleMorePlaces(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req morePlacesRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	by, err := directory.ParseSort(req.Sort)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d := s.Places.Get(who.ID)
	if _, err := d.LoadMore(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePlaces(w, d, directory.Query{Search: req.Search, SortBy: by})
}

func (s *Server) writePlaces(w http.ResponseWriter, d *directory.Directory, q directory.Query) {
	writeJSON(w, http.StatusOK, placesResponse{Category: d.Category(), Places: d.List(q), HasMore: d.HasMore()})
}

// originFor prices the directory from the caller's newest position: the
// live tracker first, then the stored profile. Lookup failures only cost
// the prices.
func (s *Server) originFor(r *http.Request, who models.Identity, d *directory.Directory) {
	if s.Trackers != nil {
		if t, ok := s.Trackers.Get(who.ID); ok {
			if latest, ok := t.Latest(); ok {
				pos := latest.Coord
				d.SetOrigin(&pos)
				return
			}
		}
	}
	if s.Profiles == nil {
		return
	}
	pos, ok, err := s.Profiles.Position(r.Context(), who.ID)
	if err != nil {
		s.logger.Warn("position lookup failed", "user_id", who.ID, "error", err)
		return
	}
	if ok {
		d.SetOrigin(&pos)
	}
}

const (
	defaultNearbyRadius = 2.0
	defaultNearbyLimit  = 20
	maxNearbyLimit      = 100
)

func (s *Server) handleNearbyHosts(w http.ResponseWriter, r *http.Request) {
	if _, err := identity(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	var c models.Coord
	var err error
	if c.Lat, err = strconv.ParseFloat(q.Get("lat"), 64); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: lat: %v", ride.ErrValidation, err))
		return
	}
	if c.Lon, err = strconv.ParseFloat(q.Get("lon"), 64); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: lon: %v", ride.ErrValidation, err))
		return
	}
	if err := c.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := defaultNearbyRadius
	if v := q.Get("radius"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil || radius <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: radius must be a positive number", ride.ErrValidation))
			return
		}
	}
	limit := defaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", ride.ErrValidation))
			return
		}
	}
	limit = min(limit, maxNearbyLimit)
	hosts, err := s.Geo.Nearby(r.Context(), c, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if who.Anonymous {
		s.writeError(w, r, fmt.Errorf("%w: sign in to keep a profile", ride.ErrIdentityRequired))
		return
	}
	p, err := s.Profiles.Get(r.Context(), who.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if who.Anonymous {
		s.writeError(w, r, fmt.Errorf("%w: sign in to keep a profile", ride.ErrIdentityRequired))
		return
	}
	var p models.UserProfile
	if err := decodeJSON(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	p.UserID = who.ID
	saved, err := s.Profiles.Save(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type locationRequest struct {
	Lat   float64    `json:"lat"`
	Lon   float64    `json:"lon"`
	At    *time.Time `json:"at,omitempty"`
	Error string     `json:"error,omitempty"`
}

type locationResponse struct {
	State tracker.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

// handleLocation feeds one device reading into the caller's tracker and,
// when Kafka is configured, forwards it to the location consumers.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req locationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sample := models.LocationSample{
		UserID:    who.ID,
		Role:      who.Role,
		Anonymous: who.Anonymous,
		Coord:     models.Coord{Lat: req.Lat, Lon: req.Lon},
		Error:     req.Error,
	}
	if req.At != nil {
		sample.At = *req.At
	} else {
		sample.At = time.Now()
	}

	err = s.Trackers.Observe(r.Context(), sample)
	t, _ := s.Trackers.Get(who.ID)
	switch {
	case err == nil:
	case isCapabilityError(err):
		// the device told us why it stopped; report the new state
		writeJSON(w, http.StatusOK, locationResponse{State: t.State(), Error: err.Error()})
		return
	default:
		s.writeError(w, r, err)
		return
	}

	if s.Locations != nil && req.Error == "" {
		if err := s.Locations.PublishLocation(r.Context(), sample); err != nil {
			s.logger.Warn("failed to forward location", "user_id", who.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusAccepted, locationResponse{State: t.State()})
}

func isCapabilityError(err error) bool {
	return errors.Is(err, tracker.ErrPermissionDenied) ||
		errors.Is(err, tracker.ErrUnavailable) ||
		errors.Is(err, tracker.ErrTimeout)
}

// handleStopLocation ends sharing. The pending position is written first.
func (s *Server) handleStopLocation(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Trackers.Remove(r.Context(), who.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
