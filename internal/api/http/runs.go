package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/lease"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/storage"
	"github.com/ghlake/ghlake/pkg/types"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

// RunAccepted is the response to a run request.
type RunAccepted struct {
	RunID     string    `json:"run_id"`
	Day       types.Day `json:"day"`
	RequestID string    `json:"request_id,omitempty"`
}

// TransitionResponse is one state change of a run.
type TransitionResponse struct {
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// RunResponse describes a ledger run.
type RunResponse struct {
	RunID             string               `json:"run_id"`
	Day               types.Day            `json:"day"`
	State             string               `json:"state"`
	Partial           bool                 `json:"partially_failed"`
	Error             string               `json:"error,omitempty"`
	SilverFingerprint string               `json:"silver_fingerprint,omitempty"`
	GoldFingerprint   string               `json:"gold_fingerprint,omitempty"`
	HourSuccessRatio  float64              `json:"hour_success_ratio"`
	StartedAt         time.Time            `json:"started_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	Transitions       []TransitionResponse `json:"transitions,omitempty"`
	Report            json.RawMessage      `json:"report,omitempty"`
}

// DayResponse is the status of a day: its latest run and any live lease.
type DayResponse struct {
	Day   types.Day     `json:"day"`
	Run   *RunResponse  `json:"run,omitempty"`
	Lease *lease.Record `json:"lease,omitempty"`
}

func (a *API) handleRunDay(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	day, ok := a.dayParam(w, r)
	if !ok {
		return
	}

	// The lease is authoritative; this check only spares the caller a 202
	// for a run that would stop at acquisition.
	if rec, live := a.liveLease(r, day); live {
		writeError(w, http.StatusConflict, "day is being processed by "+rec.Owner, pipelineerrors.CodeLeaseHeld, requestID)
		return
	}

	runID := uuid.NewString()
	log := a.logger.With(zap.String("day", day.String()), zap.String("run_id", runID), zap.String("request_id", requestID))

	a.runs.Add(1)
	go func() {
		defer a.runs.Done()
		report, err := a.deps.Runner.RunDayWithID(a.runCtx, day, runID)
		switch {
		case err != nil:
			log.Warn("requested run failed", zap.Error(err))
		case report != nil:
			log.Info("requested run finished", zap.String("state", string(report.State)))
		}
	}()

	writeJSON(w, http.StatusAccepted, RunAccepted{RunID: runID, Day: day, RequestID: requestID})
}

func (a *API) handleGetDay(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	day, ok := a.dayParam(w, r)
	if !ok {
		return
	}

	resp := DayResponse{Day: day}
	if rec, live := a.liveLease(r, day); live {
		resp.Lease = &rec
	}

	run, err := a.deps.Ledger.LatestRun(r.Context(), day)
	switch {
	case errors.Is(err, ledger.ErrRunNotFound):
		if resp.Lease == nil {
			writeError(w, http.StatusNotFound, "no runs for "+day.String(), "", requestID)
			return
		}
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		return
	default:
		resp.Run, err = a.runResponse(r, run)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	run, err := a.deps.Ledger.GetRun(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, ledger.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found", "", requestID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		return
	}

	resp, err := a.runResponse(r, run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500", "", requestID)
			return
		}
		limit = n
	}

	runs, err := a.deps.Ledger.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "", requestID)
		return
	}

	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": out})
}

// runResponse renders a run with its transitions.
func (a *API) runResponse(r *http.Request, run *ledger.Run) (*RunResponse, error) {
	resp := toRunResponse(run)
	transitions, err := a.deps.Ledger.Transitions(r.Context(), run.RunID)
	if err != nil {
		return nil, err
	}
	for _, t := range transitions {
		resp.Transitions = append(resp.Transitions, TransitionResponse(t))
	}
	resp.Report = run.Report
	return &resp, nil
}

func toRunResponse(run *ledger.Run) RunResponse {
	return RunResponse{
		RunID:             run.RunID,
		Day:               run.Day,
		State:             run.State,
		Partial:           run.Partial,
		Error:             run.Error,
		SilverFingerprint: run.SilverFingerprint,
		GoldFingerprint:   run.GoldFingerprint,
		HourSuccessRatio:  run.HourSuccessRatio,
		StartedAt:         run.StartedAt,
		UpdatedAt:         run.UpdatedAt,
	}
}

// liveLease returns the lease on day when one is held and unexpired.
func (a *API) liveLease(r *http.Request, day types.Day) (lease.Record, bool) {
	if a.deps.Leases == nil {
		return lease.Record{}, false
	}
	rec, err := a.deps.Leases.Inspect(r.Context(), day)
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotFound) {
			a.logger.Warn("lease inspection failed", zap.String("day", day.String()), zap.Error(err))
		}
		return lease.Record{}, false
	}
	if rec.Owner == "" || rec.Expired(a.now()) {
		return lease.Record{}, false
	}
	return rec, true
}

func (a *API) dayParam(w http.ResponseWriter, r *http.Request) (types.Day, bool) {
	day, err := types.ParseDay(mux.Vars(r)["date"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "", GetRequestID(r.Context()))
		return types.Day{}, false
	}
	return day, true
}
