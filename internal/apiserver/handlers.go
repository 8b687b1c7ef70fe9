package apiserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/omrozmn/x-ear-sub010/internal/cache"
	"github.com/omrozmn/x-ear-sub010/internal/engine"
	"github.com/omrozmn/x-ear-sub010/internal/kinds"
	"github.com/omrozmn/x-ear-sub010/internal/record"
	"github.com/omrozmn/x-ear-sub010/internal/store"
)

// maxBodyBytes bounds request payloads; clinic entities are small.
const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.clientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.hub.publish(Event{Type: EventSyncStarted})
	report, err := s.engine.SyncNow(r.Context())
	s.hub.publish(Event{Type: EventSyncCompleted, Data: mustJSON(report)})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"online\": bool}")
		return
	}
	s.monitor.SetOnline(req.Online)
	s.hub.publish(Event{Type: EventConnectivity, Data: mustJSON(map[string]bool{"online": req.Online})})
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	welcome := Event{
		Type: EventConnectivity,
		Data: mustJSON(map[string]bool{"online": s.monitor.IsOnline()}),
	}
	s.hub.serve(w, r, welcome)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	recs, err := s.engine.GetAll(r.Context(), kind)
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  recs,
		"count": len(recs),
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	payload, ok := readBody(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Save(r.Context(), kind, payload)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.publishRecord(EventRecordSaved, kind, rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")
	rec, err := s.engine.Get(r.Context(), kind, id)
	if err != nil {
		s.engineError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")
	patch, ok := readBody(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Update(r.Context(), kind, id, patch)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.publishRecord(EventRecordSaved, kind, id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")
	if err := s.engine.Delete(r.Context(), kind, id); err != nil {
		s.engineError(w, err)
		return
	}
	s.publishRecord(EventRecordDeleted, kind, id)
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch maps query parameters onto the cache search. Reserved
// parameters: q (text), status, limit, offset. Every other parameter
// becomes an exact payload-field filter.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	params := r.URL.Query()

	q := cache.SearchQuery{Text: params.Get("q")}
	if v := params.Get("status"); v != "" {
		status := record.SyncStatus(v)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(v))
			return
		}
		q.Status = status
	}
	var err error
	if q.Limit, err = intParam(params.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if q.Offset, err = intParam(params.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	for key, values := range params {
		switch key {
		case "q", "status", "limit", "offset":
			continue
		}
		if len(values) == 0 {
			continue
		}
		if q.Fields == nil {
			q.Fields = make(map[string]string)
		}
		q.Fields[key] = values[0]
	}

	result, err := s.engine.Search(r.Context(), kind, q)
	if err != nil {
		s.engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) publishRecord(evtType EventType, kind, id string) {
	s.hub.publish(Event{
		Type: evtType,
		Data: mustJSON(map[string]string{"kind": kind, "id": id}),
	})
}

// engineError translates engine failures into HTTP statuses.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, kinds.ErrUnknown):
		writeError(w, http.StatusNotFound, "unknown kind")
	case errors.Is(err, engine.ErrBadPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Printf("Warning: request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body is required")
		return nil, false
	}
	return body, true
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
