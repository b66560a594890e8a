package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pion/webrtc/v4"

	"github.com/zsiec/mosaic/config"
	"github.com/zsiec/mosaic/egress"
	"github.com/zsiec/mosaic/metrics"
	"github.com/zsiec/mosaic/pipeline"
)

// api is the thin HTTP routing layer over the pipeline controller. It
// translates JSON bodies to method calls and results to status codes;
// every interesting decision lives in the controller.
type api struct {
	ctrl *pipeline.Controller
	cfg  *config.Config
	m    *metrics.Metrics
	log  *slog.Logger
}

func newAPI(ctrl *pipeline.Controller, cfg *config.Config, m *metrics.Metrics, log *slog.Logger) *api {
	return &api{ctrl: ctrl, cfg: cfg, m: m, log: log.With("component", "api")}
}

func (a *api) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /stop", a.handleStop)
	mux.HandleFunc("POST /update", a.handleUpdate)
	mux.HandleFunc("POST /offer", a.handleOffer)
	mux.HandleFunc("POST /candidate", a.handleCandidate)
	mux.HandleFunc("GET /candidates", a.handleCandidates)
	mux.HandleFunc("POST /feeds/{slot}/reconnect", a.handleReconnect)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.Handle("GET /metrics", a.m.Handler())
	return mux
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Start(r.Context()); err != nil {
		if errors.Is(err, pipeline.ErrNotIdle) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type updateRequest struct {
	Composite []string        `json:"composite,omitempty"`
	Layout    []config.Region `json:"layout,omitempty"`
}

func (a *api) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	specs, err := a.cfg.ActiveFeeds(req.Composite)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.ctrl.UpdateFeeds(r.Context(), specs); err != nil {
		a.updateError(w, err)
		return
	}

	layoutCfg := *a.cfg
	layoutCfg.Layout = req.Layout
	if err := a.ctrl.UpdateLayout(layoutCfg.ComposeLayout(specs)); err != nil {
		a.updateError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "feeds": len(specs)})
}

func (a *api) updateError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrNotRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func (a *api) handleOffer(w http.ResponseWriter, r *http.Request) {
	var offer egress.Offer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	answer, err := a.ctrl.HandleOffer(offer)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (a *api) handleCandidate(w http.ResponseWriter, r *http.Request) {
	var cand webrtc.ICECandidateInit
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.ctrl.AddCandidate(cand); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleCandidates drains the outbound ICE candidates gathered so far
// for the current session. The client polls until the transport connects.
func (a *api) handleCandidates(w http.ResponseWriter, _ *http.Request) {
	out := []webrtc.ICECandidateInit{}
	ch := a.ctrl.Candidates()
	if ch != nil {
		for {
			select {
			case c := <-ch:
				out = append(out, c)
				continue
			default:
			}
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": out})
}

func (a *api) handleReconnect(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot")
		return
	}
	if err := a.ctrl.ReconnectFeed(slot); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
