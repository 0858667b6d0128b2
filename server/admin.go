package server

import (
	"fmt"
	"net/http"
	"time"

	"lprewards/storage"
)

type settingsRequest struct {
	TimeBoostCoefficient     string `json:"timeBoostCoefficient"`
	FullRangeBonus           string `json:"fullRangeBonus"`
	InRangeMultiplier        string `json:"inRangeMultiplier"`
	SignificanceThresholdUSD string `json:"significanceThresholdUsd"`
	AbsoluteMaxClaimUnits    string `json:"absoluteMaxClaimUnits"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateDecimalFields(map[string]string{
		"timeBoostCoefficient":     req.TimeBoostCoefficient,
		"fullRangeBonus":           req.FullRangeBonus,
		"inRangeMultiplier":        req.InRangeMultiplier,
		"significanceThresholdUsd": req.SignificanceThresholdUSD,
	}); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validateUnitsField("absoluteMaxClaimUnits", req.AbsoluteMaxClaimUnits); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	saved, err := s.store.AppendSettings(r.Context(), storage.ProgramSettings{
		TimeBoostCoefficient:     req.TimeBoostCoefficient,
		FullRangeBonus:           req.FullRangeBonus,
		InRangeMultiplier:        req.InRangeMultiplier,
		SignificanceThresholdUSD: req.SignificanceThresholdUSD,
		AbsoluteMaxClaimUnits:    req.AbsoluteMaxClaimUnits,
	}, "admin")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

type treasuryRequest struct {
	TotalAllocation       string    `json:"totalAllocation"`
	ProgramStartTime      time.Time `json:"programStartTime"`
	ProgramDurationDays   int       `json:"programDurationDays"`
	DailyBudget           string    `json:"dailyBudget"`
	RewardContractAddress string    `json:"rewardContractAddress"`
	TokenAddress          string    `json:"tokenAddress"`
}

func (s *Server) handleUpdateTreasury(w http.ResponseWriter, r *http.Request) {
	var req treasuryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateUnitsField("totalAllocation", req.TotalAllocation); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validateUnitsField("dailyBudget", req.DailyBudget); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ProgramStartTime.IsZero() {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "programStartTime required"})
		return
	}
	if req.ProgramDurationDays <= 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "programDurationDays must be positive"})
		return
	}
	contract, err := storage.NormalizeAddress(req.RewardContractAddress)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed rewardContractAddress"})
		return
	}
	token, err := storage.NormalizeAddress(req.TokenAddress)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed tokenAddress"})
		return
	}

	saved, err := s.store.AppendTreasury(r.Context(), storage.TreasuryConfig{
		TotalAllocation:       req.TotalAllocation,
		ProgramStartTime:      req.ProgramStartTime.UTC(),
		ProgramDurationDays:   req.ProgramDurationDays,
		DailyBudget:           req.DailyBudget,
		RewardContractAddress: contract,
		TokenAddress:          token,
	}, "admin")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func validateDecimalFields(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("%s required", name)
		}
		v, err := storage.ParseDecimal(value)
		if err != nil || v.Sign() < 0 {
			return fmt.Errorf("%s must be a non-negative decimal", name)
		}
	}
	return nil
}

func validateUnitsField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s required", name)
	}
	v, err := storage.ParseUnits(value)
	if err != nil || v.Sign() < 0 {
		return fmt.Errorf("%s must be a non-negative integer amount", name)
	}
	return nil
}
