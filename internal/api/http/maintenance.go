package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ghlake/ghlake/internal/features"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/internal/table"
	"github.com/ghlake/ghlake/pkg/types"
)

// FeaturesResponse is a stored feature table.
type FeaturesResponse struct {
	Day      types.Day          `json:"day"`
	Metadata table.Metadata     `json:"metadata"`
	Rows     []types.FeatureRow `json:"rows"`
}

// handlePrune deletes gold tables outside the window. Query parameters
// keep_days and today override the configured window and the clock.
func (a *API) handlePrune(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	q := r.URL.Query()

	keep := a.deps.GoldRetentionDays
	if v := q.Get("keep_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "keep_days must be a positive integer", "", requestID)
			return
		}
		keep = n
	}

	today := types.DayOf(a.now())
	if v := q.Get("today"); v != "" {
		d, err := types.ParseDay(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "", requestID)
			return
		}
		today = d
	}

	report, err := a.deps.Retention.PruneGold(r.Context(), today, keep)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), "", requestID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := a.deps.Retention.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleGetFeatures(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	day, ok := a.dayParam(w, r)
	if !ok {
		return
	}

	rows, meta, err := features.Read(r.Context(), a.deps.Storage, day)
	if errors.Is(err, storage.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "no features for "+day.String(), "", requestID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		return
	}
	if rows == nil {
		rows = []types.FeatureRow{}
	}
	writeJSON(w, http.StatusOK, FeaturesResponse{Day: day, Metadata: meta, Rows: rows})
}
