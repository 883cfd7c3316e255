package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/cartrabbit/internal/ride"
)

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rv, err := s.Rides.Review(r.Context(), mux.Vars(r)["id"], who, ride.ReviewInput{Rating: req.Rating, Comment: req.Comment})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rv)
}

// handleHostReviews is public to any caller with an identity.
func (s *Server) handleHostReviews(w http.ResponseWriter, r *http.Request) {
	if _, err := identity(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	rating, err := s.Rides.HostRating(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}
