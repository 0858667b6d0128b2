package server

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/google/uuid"

	"lprewards/storage"
)

func (s *Server) handleUserAccruals(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromPath(w, r)
	if !ok {
		return
	}
	accruals, err := s.store.AccrualsByUser(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if accruals == nil {
		accruals = []storage.RewardAccrual{}
	}
	s.writeJSON(w, http.StatusOK, accruals)
}

type userStatsResponse struct {
	TotalAccumulated string   `json:"totalAccumulated"`
	TotalClaimed     string   `json:"totalClaimed"`
	TotalClaimable   string   `json:"totalClaimable"`
	ActivePositions  int      `json:"activePositions"`
	AvgDailyRewards  string   `json:"avgDailyRewards"`
	UserAPR          *float64 `json:"userAPR,omitempty"`
}

// handleUserStats summarises a user's standing from local state alone.
// Claimed here means the latest authorized cumulative, not on-chain
// execution; the claim endpoint is where the chain is consulted.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromPath(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	accruals, err := s.store.AccrualsByUser(ctx, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accrued := new(big.Int)
	epochs := make(map[uint64]struct{})
	for i := range accruals {
		accrued.Add(accrued, accruals[i].Units())
		epochs[accruals[i].EpochIndex] = struct{}{}
	}

	claimed := new(big.Int)
	latest, err := s.store.LatestClaim(ctx, user.Address)
	switch {
	case err == nil:
		claimed = latest.Cumulative()
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.writeError(w, r, err)
		return
	}

	claimable := new(big.Int).Sub(accrued, claimed)
	if claimable.Sign() < 0 {
		claimable.SetInt64(0)
	}

	positions, err := s.store.PositionsByUser(ctx, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	active := 0
	for i := range positions {
		if positions[i].IsActive {
			active++
		}
	}

	avgDaily := new(big.Int)
	if len(epochs) > 0 {
		avgDaily.Quo(accrued, big.NewInt(int64(len(epochs))))
	}

	resp := userStatsResponse{
		TotalAccumulated: storage.FormatUnits(accrued),
		TotalClaimed:     storage.FormatUnits(claimed),
		TotalClaimable:   storage.FormatUnits(claimable),
		ActivePositions:  active,
		AvgDailyRewards:  storage.FormatUnits(avgDaily),
	}
	if s.analytics != nil {
		if apr, err := s.analytics.UserAPR(ctx, user.ID); err == nil {
			resp.UserAPR = &apr
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type claimableRow struct {
	PositionID       uuid.UUID `json:"positionId"`
	AccumulatedUnits string    `json:"accumulatedUnits"`
	ClaimedUnits     string    `json:"claimedUnits"`
}

// handleClaimable attributes the user's claimed total back to positions
// in enrollment order, oldest first. The split is presentational; the
// contract tracks a single per-user cumulative.
func (s *Server) handleClaimable(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromPath(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	positions, err := s.store.PositionsByUser(ctx, user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	remaining := new(big.Int)
	latest, err := s.store.LatestClaim(ctx, user.Address)
	switch {
	case err == nil:
		remaining = latest.Cumulative()
	case errors.Is(err, storage.ErrNotFound):
	default:
		s.writeError(w, r, err)
		return
	}

	rows := make([]claimableRow, 0, len(positions))
	for i := range positions {
		accumulated := new(big.Int)
		last, err := s.store.LastAccrualForToken(ctx, positions[i].TokenID)
		switch {
		case err == nil:
			accumulated = last.Accumulated()
		case errors.Is(err, storage.ErrNotFound):
		default:
			s.writeError(w, r, err)
			return
		}

		applied := new(big.Int).Set(remaining)
		if applied.Cmp(accumulated) > 0 {
			applied.Set(accumulated)
		}
		remaining.Sub(remaining, applied)

		rows = append(rows, claimableRow{
			PositionID:       positions[i].ID,
			AccumulatedUnits: storage.FormatUnits(accumulated),
			ClaimedUnits:     storage.FormatUnits(applied),
		})
	}
	s.writeJSON(w, http.StatusOK, rows)
}

type claimRequest struct {
	UserAddress string `json:"userAddress"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userFromPath(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, err := storage.NormalizeAddress(req.UserAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if addr != user.Address {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address mismatch"})
		return
	}
	auth, err := s.authorizer.Authorize(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, auth)
}

func (s *Server) handleProgramAnalytics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.analytics.Program(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleTradingAPR(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.analytics.Trading(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}
