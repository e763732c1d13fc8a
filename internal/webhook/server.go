// package webhook is the callback receiver: the downstream ingestion service
// posts completion notifications here once an artifact finishes (or fails)
// ingestion. The receiver stays available no matter what arrives — it always
// answers 200 and leaves the commit decision to the finalizer.
package webhook

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldops/incidentpipe/internal/ledger"
)

// Server records callback events into the ledger.
type Server struct {
	ledger    *ledger.Ledger
	eventPath string
}

func New(l *ledger.Ledger, eventPath string) *Server {
	if eventPath == "" {
		eventPath = "ingest-complete"
	}
	return &Server{ledger: l, eventPath: eventPath}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/webhook/{event}", s.handleCallback)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// callbackBody is the expected notification shape. Every field is optional at
// the transport level; shape validation never causes a non-200 response.
type callbackBody struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	DBDocumentID  string `json:"db_document_id"`
	Error         string `json:"error"`
}

// handleCallback upserts one Callback Event per accepted notification.
// Duplicate callbacks for the same correlation id are idempotent: the latest
// content replaces the previous one pending finalization.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Printf("[webhook] read body (%s): %v", event, err)
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	var body callbackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Printf("[webhook] malformed payload (%s): %v", event, err)
	}
	if body.CorrelationID == "" {
		// Nothing to key an event on; tolerated, logged, still 200.
		log.Printf("[webhook] notification without correlation_id (%s): %q", event, truncate(raw, 256))
		respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	status := body.Status
	if status == "" {
		status = ledger.StatusError
	}

	_, err = s.ledger.Transact(r.Context(), func(state *ledger.State) error {
		state.Events[body.CorrelationID] = ledger.CallbackEvent{
			CorrelationID: body.CorrelationID,
			Status:        status,
			DBDocumentID:  body.DBDocumentID,
			Error:         body.Error,
			ReceivedAt:    time.Now().UTC(),
			Raw:           json.RawMessage(raw),
		}
		return nil
	})
	if err != nil {
		// The sender gets 200 regardless; it will typically not retry, but a
		// lost event only delays finalization, it cannot corrupt it.
		log.Printf("[webhook] record event %s: %v", body.CorrelationID, err)
	} else {
		log.Printf("[webhook] recorded event correlation_id=%s status=%s", body.CorrelationID, status)
	}

	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
