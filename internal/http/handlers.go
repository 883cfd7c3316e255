package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cartrabbit/internal/directory"
	"github.com/example/cartrabbit/internal/dispatch"
	"github.com/example/cartrabbit/internal/fare"
	"github.com/example/cartrabbit/internal/geo"
	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/payments"
	"github.com/example/cartrabbit/internal/profile"
	"github.com/example/cartrabbit/internal/ride"
	"github.com/example/cartrabbit/internal/storage"
	"github.com/example/cartrabbit/internal/tracker"
)

// LocationPublisher forwards raw samples to the location consumers.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// Deps are the collaborators the API is wired to. Locations and Payouts
// may be nil.
type Deps struct {
	Rides         *ride.Manager
	Payments      payments.Gateway
	Payouts       payments.Payouts
	Profiles      profile.Store
	Geo           geo.Geo
	Trackers      *tracker.Registry
	Locations     LocationPublisher
	Places        *directory.Sessions
	Streams       *dispatch.WSRegistry
	WebhookSecret string
	// OnboardingReturnURL is where the payout onboarding flow lands.
	OnboardingReturnURL string
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Streams == nil {
		d.Streams = dispatch.NewWSRegistry()
	}
	s := &Server{Deps: d, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/estimate", s.handleEstimate).Methods(http.MethodPost)

	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/review", s.handleReview).Methods(http.MethodPost)

	api.HandleFunc("/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/location", s.handleStopLocation).Methods(http.MethodDelete)
	api.HandleFunc("/places", s.handlePlaces).Methods(http.MethodGet)
	api.HandleFunc("/places/more", s.handleMorePlaces).Methods(http.MethodPost)
	api.HandleFunc("/hosts/nearby", s.handleNearbyHosts).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{id}/reviews", s.handleHostReviews).Methods(http.MethodGet)
	api.HandleFunc("/host/payouts", s.handlePayoutStatus).Methods(http.MethodGet)
	api.HandleFunc("/host/payouts/onboard", s.handleOnboard).Methods(http.MethodPost)
	api.HandleFunc("/host/earnings", s.handleEarnings).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.handleGetProfile).Methods(http.MethodGet)
	api.HandleFunc("/profile", s.handlePutProfile).Methods(http.MethodPut)

	s.mux.HandleFunc("/ws/rides", s.handleStream).Methods(http.MethodGet)
	s.mux.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type estimateRequest struct {
	Pickup      models.Coord `json:"pickup"`
	Destination models.Coord `json:"destination"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := fare.Estimate(req.Pickup, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type createRideRequest struct {
	Pickup      models.Place `json:"pickup"`
	Destination models.Place `json:"destination"`
	Email       string       `json:"email,omitempty"`
	Currency    string       `json:"currency,omitempty"`
}

type createRideResponse struct {
	Ride         models.RideRequest `json:"ride"`
	ClientSecret string             `json:"client_secret,omitempty"`
}

// handleCreateRide prices the trip, places the payment hold and records the
// request. A hold whose ride could not be stored is released again.
func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if who.Role == models.RoleHost {
		s.writeError(w, r, fmt.Errorf("%w: hosts cannot request rides", ride.ErrForbidden))
		return
	}
	var req createRideRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Pickup.IsZero() || req.Destination.IsZero() {
		s.writeError(w, r, fmt.Errorf("%w: pickup and destination are required", ride.ErrValidation))
		return
	}
	quote, err := fare.Estimate(req.Pickup.Coord, req.Destination.Coord)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	auth, err := s.Payments.Authorize(r.Context(), payments.AuthorizeRequest{
		AmountCents:    quote.FareCents,
		Currency:       req.Currency,
		ReceiptEmail:   req.Email,
		Metadata:       map[string]string{"rider_id": who.ID},
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", ride.ErrPayment, err))
		return
	}

	created, err := s.Rides.Create(r.Context(), ride.CreateInput{
		RiderID:          who.ID,
		RiderEmail:       req.Email,
		Pickup:           req.Pickup,
		Destination:      req.Destination,
		FeeCents:         quote.FareCents,
		Currency:         req.Currency,
		PaymentReference: auth.Reference,
	})
	if err != nil {
		if cerr := s.Payments.Cancel(context.WithoutCancel(r.Context()), auth.Reference, "abandon:"+auth.Reference); cerr != nil {
			s.logger.Error("failed to release hold for unsaved ride", "payment_reference", auth.Reference, "error", cerr)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createRideResponse{Ride: created, ClientSecret: auth.ClientSecret})
}

// viewFilter resolves the named view for the caller. Only hosts browse the
// unassigned queue.
func viewFilter(view string, who models.Identity) (storage.Filter, error) {
	switch strings.ToLower(strings.TrimSpace(view)) {
	case "unassigned":
		if who.Role != models.RoleHost {
			return storage.Filter{}, fmt.Errorf("%w: only hosts see unassigned rides", ride.ErrForbidden)
		}
		return ride.Unassigned(), nil
	case "mine":
		if who.Role == models.RoleHost {
			return storage.Filter{HostID: who.ID}, nil
		}
		return ride.ByRider(who.ID), nil
	case "", "active":
		if who.Role == models.RoleHost {
			return ride.ActiveForHost(who.ID), nil
		}
		return ride.ActiveForRider(who.ID), nil
	}
	return storage.Filter{}, fmt.Errorf("%w: unknown view %q", ride.ErrValidation, view)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := viewFilter(r.URL.Query().Get("view"), who)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.Rides.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

// handleGetRide shows a ride to its participants, and a still unassigned
// one to any host.
func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rr, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	visible := who.ID == rr.RiderID ||
		(rr.HostID != "" && who.ID == rr.HostID) ||
		(who.Role == models.RoleHost && rr.HostID == "" && rr.Status == models.StatusPending)
	if !visible {
		s.writeError(w, r, fmt.Errorf("%w: not a participant in this ride", ride.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

type acceptRequest struct {
	Location *models.Coord `json:"location,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	who, err := s.hostIdentity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req acceptRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	rr, err := s.Rides.Accept(r.Context(), mux.Vars(r)["id"], who.ID, req.Location)
	s.writeRide(w, r, rr, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	who, err := s.hostIdentity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rr, err := s.Rides.Start(r.Context(), mux.Vars(r)["id"], who.ID)
	s.writeRide(w, r, rr, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	who, err := s.hostIdentity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rr, err := s.Rides.Complete(r.Context(), mux.Vars(r)["id"], who.ID)
	s.writeRide(w, r, rr, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rr, err := s.Rides.Cancel(r.Context(), mux.Vars(r)["id"], who)
	s.writeRide(w, r, rr, err)
}

func (s *Server) hostIdentity(r *http.Request) (models.Identity, error) {
	who, err := identity(r)
	if err != nil {
		return models.Identity{}, err
	}
	if who.Role != models.RoleHost {
		return models.Identity{}, fmt.Errorf("%w: host role required", ride.ErrForbidden)
	}
	return who, nil
}

func (s *Server) writeRide(w http.ResponseWriter, r *http.Request, rr models.RideRequest, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.Rides.SendMessage(r.Context(), mux.Vars(r)["id"], who, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	who, err := identity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.Rides.Messages(r.Context(), mux.Vars(r)["id"], who)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// streamIdentity accepts the identity as query parameters too, since
// browsers cannot set headers on a websocket handshake.
func streamIdentity(r *http.Request) (models.Identity, error) {
	q := r.URL.Query()
	for header, param := range map[string]string{"X-User-ID": "user_id", "X-User-Role": "role", "X-Session-ID": "session_id"} {
		if r.Header.Get(header) == "" && q.Get(param) != "" {
			r.Header.Set(header, q.Get(param))
		}
	}
	return identity(r)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	who, err := streamIdentity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := viewFilter(r.URL.Query().Get("view"), who)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		return
	}
	sess := s.Streams.Add(who.ID, conn)
	defer func() {
		s.Streams.Remove(sess)
		_ = sess.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := s.Rides.Subscribe(ctx, f)
	if err != nil {
		s.logger.Error("failed to open ride stream", "user_id", who.ID, "error", err)
		_ = sess.Send(dispatch.Frame{Type: "error", Error: "subscription failed"})
		return
	}
	defer sub.Close()

	err = dispatch.Stream(ctx, sess, sub.C)
	if err != nil && !errors.Is(err, dispatch.ErrPeerGone) && !errors.Is(err, context.Canceled) {
		s.logger.Warn("ride stream ended", "user_id", who.ID, "error", err)
	}
}

func newID() string { return uuid.NewString() }
