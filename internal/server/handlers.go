package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/refinery/internal/chat"
	"github.com/MrWong99/refinery/internal/observe"
	"github.com/MrWong99/refinery/internal/refine"
	"github.com/MrWong99/refinery/internal/stream"
)

const ndjsonContentType = "application/x-ndjson"

// errorBody is the JSON body of a rejected request.
type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req refine.Request
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run, err := s.refiner.Stream(ctx, req)
	if err != nil {
		writeStartError(w, r, err)
		return
	}
	s.writeNDJSON(ctx, w, run.ID, run.Events, cancel)
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req refine.TranslateRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run, err := s.refiner.StreamTranslate(ctx, req)
	if err != nil {
		writeStartError(w, r, err)
		return
	}
	s.writeNDJSON(ctx, w, run.ID, run.Events, cancel)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.chat.Stream(ctx, req)
	if err != nil {
		writeStartError(w, r, err)
		return
	}
	s.writeNDJSON(ctx, w, "", events, cancel)
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeNDJSON streams events until the channel closes. A failed write (the
// client went away) cancels the run.
func (s *Server) writeNDJSON(ctx context.Context, w http.ResponseWriter, runID string, events <-chan stream.Event, cancel func()) {
	h := w.Header()
	h.Set("Content-Type", ndjsonContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	if runID != "" {
		h.Set("X-Run-ID", runID)
	}
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := stream.NewEncoder(w, rc.Flush)
	if err := stream.Pump(events, enc.Encode, cancel); err != nil {
		observe.Logger(ctx).Debug("stream write failed, run cancelled", "run_id", runID, "err", err)
	}
}

// writeStartError maps a run that could not start to an HTTP status.
func writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, refine.ErrInvalidRequest) || errors.Is(err, chat.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	observe.Logger(r.Context()).Error("failed to start run", "err", err)
	writeError(w, http.StatusInternalServerError, "failed to start run")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
