package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/services"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the board endpoints need
type Store interface {
	ListStages(ctx context.Context) ([]database.Stage, error)
	ListRecords(ctx context.Context) ([]database.Record, error)
	UpdateRecord(ctx context.Context, id string, data database.Record) (database.Record, error)
}

// BoardHandler serves the stage enum, the record list and status updates
type BoardHandler struct {
	store    Store
	hub      *services.Hub
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

func NewBoardHandler(store Store, hub *services.Hub, allowedOrigins []string, log logrus.FieldLogger) *BoardHandler {
	return &BoardHandler{
		store: store,
		hub:   hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		log: log.WithField("component", "handlers"),
	}
}

// Stages returns the stage enum as an object of status value to label
func (h *BoardHandler) Stages(w http.ResponseWriter, r *http.Request) {
	stages, err := h.store.ListStages(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Error listing stages")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	labels := make(map[string]string, len(stages))
	for _, st := range stages {
		labels[strconv.Itoa(st.Value)] = st.Label
	}
	writeJSON(w, http.StatusOK, labels)
}

// Records returns every record wrapped in a result envelope
func (h *BoardHandler) Records(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListRecords(r.Context())
	if err != nil {
		h.log.WithError(err).Error("Error listing records")
		writeError(w, http.StatusInternalServerError, "Server error")
		return
	}

	writeJSON(w, http.StatusOK, envelope{StatusCode: http.StatusOK, Result: records})
}

// UpdateRecord replaces a record, including its status, and publishes the
// stored result to websocket subscribers
func (h *BoardHandler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var data database.Record
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if bodyID, ok := data[database.FieldID].(string); ok && bodyID != id {
		writeError(w, http.StatusBadRequest, "Record id does not match the URL")
		return
	}

	rec, err := h.store.UpdateRecord(r.Context(), id, data)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Record not found")
		return
	case errors.Is(err, database.ErrUnknownStatus):
		writeError(w, http.StatusUnprocessableEntity, "Unknown status")
		return
	case err != nil:
		h.log.WithError(err).WithField("record", id).Error("Error updating record")
		writeError(w, http.StatusInternalServerError, "Failed to save record")
		return
	}

	h.hub.Publish(services.EventRecordUpdated, rec)

	writeJSON(w, http.StatusOK, envelope{
		StatusCode: http.StatusOK,
		Message:    "Record updated",
		Data:       rec,
	})
}

// HandleWebSocket upgrades the connection and subscribes it to record events
func (h *BoardHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	subject, ok := Subject(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Error upgrading to WebSocket")
		return
	}

	client := h.hub.NewClient(conn, subject)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// originChecker allows every origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
