package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/payments"
	"github.com/example/cartrabbit/internal/profile"
	"github.com/example/cartrabbit/internal/ride"
)

var errNoPayoutAccount = errors.New("no payout account, start onboarding first")

type onboardResponse struct {
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
}

type payoutStatusResponse struct {
	Status  payments.AccountStatus `json:"status"`
	Profile models.UserProfile     `json:"profile"`
}

type earningsResponse struct {
	Balance      payments.Balance       `json:"balance"`
	Transactions []payments.Transaction `json:"transactions"`
}

func (s *Server) payoutsEnabled(w http.ResponseWriter) bool {
	if s.Payouts == nil {
		http.Error(w, "payouts not configured", http.StatusNotFound)
		return false
	}
	return true
}

// payoutHost loads the calling host's profile. Hosts without one start
// from an empty profile.
func (s *Server) payoutHost(r *http.Request) (models.UserProfile, error) {
	who, err := s.hostIdentity(r)
	if err != nil {
		return models.UserProfile{}, err
	}
	p, err := s.Profiles.Get(r.Context(), who.ID)
	if errors.Is(err, profile.ErrNotFound) {
		return models.UserProfile{UserID: who.ID}, nil
	}
	return p, err
}

// handleOnboard opens the host's connected account on first use and
// returns a fresh onboarding link for it.
func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	if !s.payoutsEnabled(w) {
		return
	}
	p, err := s.payoutHost(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct := p.PayoutAccountID
	if acct == "" {
		if acct, err = s.Payouts.CreateAccount(r.Context(), p.UserID, p.Email); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", ride.ErrPayment, err))
			return
		}
		if _, err := s.Profiles.SavePayouts(r.Context(), p.UserID, acct, false); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("payout account created", "user_id", p.UserID, "account_id", acct)
	}
	url, err := s.Payouts.OnboardingLink(r.Context(), acct, s.OnboardingReturnURL)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", ride.ErrPayment, err))
		return
	}
	writeJSON(w, http.StatusOK, onboardResponse{AccountID: acct, URL: url})
}

// handlePayoutStatus asks the provider about the host's account and stores
// the answer on the profile.
func (s *Server) handlePayoutStatus(w http.ResponseWriter, r *http.Request) {
	if !s.payoutsEnabled(w) {
		return
	}
	p, err := s.payoutHost(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.PayoutAccountID == "" {
		s.writeError(w, r, errNoPayoutAccount)
		return
	}
	st, err := s.Payouts.AccountStatus(r.Context(), p.PayoutAccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	saved, err := s.Profiles.SavePayouts(r.Context(), p.UserID, st.AccountID, st.Ready())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payoutStatusResponse{Status: st, Profile: saved})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	if !s.payoutsEnabled(w) {
		return
	}
	p, err := s.payoutHost(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.PayoutAccountID == "" {
		s.writeError(w, r, errNoPayoutAccount)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", ride.ErrValidation))
			return
		}
	}
	bal, err := s.Payouts.Balance(r.Context(), p.PayoutAccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txns, err := s.Payouts.Transactions(r.Context(), p.PayoutAccountID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, earningsResponse{Balance: bal, Transactions: txns})
}
