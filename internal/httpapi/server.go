package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/internal/adapters/leme"
	"github.com/lucasalmeidadh/lemeai-sync/internal/hub"
	"github.com/lucasalmeidadh/lemeai-sync/internal/media"
	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
	"github.com/lucasalmeidadh/lemeai-sync/internal/notify"
	"github.com/lucasalmeidadh/lemeai-sync/internal/services"
)

// Server is the local control surface of the sync daemon: the embedding UI
// (or an operator) drives conversation selection, sends, and the view context
// through it, and reads sync state back.
type Server struct {
	api      *leme.Client
	store    *services.MessageSyncService
	binder   *services.GroupBinder
	poller   *services.UnreadPoller
	hub      *hub.Client
	notifier *notify.Notifier
	delivery *notify.DeliveryManager
}

func NewServer(
	api *leme.Client,
	store *services.MessageSyncService,
	binder *services.GroupBinder,
	poller *services.UnreadPoller,
	hubClient *hub.Client,
	notifier *notify.Notifier,
	delivery *notify.DeliveryManager,
) *Server {
	return &Server{
		api:      api,
		store:    store,
		binder:   binder,
		poller:   poller,
		hub:      hubClient,
		notifier: notifier,
		delivery: delivery,
	}
}

// Router builds the HTTP routes wrapped in the shared middleware chain.
func (s *Server) Router() http.Handler {
	chain := alice.New(s.logRequests, jsonContentType)
	r := mux.NewRouter()

	r.Handle("/health", chain.ThenFunc(s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/status", chain.ThenFunc(s.handleStatus)).Methods(http.MethodGet)
	r.Handle("/view", chain.ThenFunc(s.handleView)).Methods(http.MethodPost)

	r.Handle("/conversations", chain.ThenFunc(s.handleConversations)).Methods(http.MethodGet)
	r.Handle("/conversations/{id}/open", chain.ThenFunc(s.handleOpen)).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/close", chain.ThenFunc(s.handleClose)).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/messages", chain.ThenFunc(s.handleMessages)).Methods(http.MethodGet)
	r.Handle("/conversations/{id}/messages", chain.ThenFunc(s.handleSendText)).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/media", chain.ThenFunc(s.handleSendMedia)).Methods(http.MethodPost)
	r.Handle("/conversations/{id}/status", chain.ThenFunc(s.handleUpdateStatus)).Methods(http.MethodPatch)
	r.Handle("/conversations/{id}/transfer", chain.ThenFunc(s.handleTransfer)).Methods(http.MethodPatch)
	r.Handle("/conversations/{id}/notes", chain.ThenFunc(s.handleListNotes)).Methods(http.MethodGet)
	r.Handle("/conversations/{id}/notes", chain.ThenFunc(s.handleAddNote)).Methods(http.MethodPost)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, err error) {
	respondWithJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func conversationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid conversation id")
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"hubState":             s.hub.State().String(),
		"badge":                s.notifier.Badge(),
		"pendingDeliveries":    s.delivery.PendingCount(),
		"selectedConversation": s.store.Selected(),
		"joinedGroup":          s.binder.Joined(),
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Open bool `json:"open"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	view := models.ChatClosed
	if body.Open {
		view = models.ChatOpen
	}
	s.poller.SetView(view)
	respondWithJSON(w, http.StatusOK, map[string]string{"view": view.String()})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		if err := s.store.RefreshConversations(r.Context()); err != nil {
			respondWithError(w, http.StatusBadGateway, err)
			return
		}
	}
	respondWithJSON(w, http.StatusOK, s.store.Conversations())
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	// Group join and message load are independent operations; neither waits
	// for the other.
	go s.binder.Bind(context.Background(), id)
	if err := s.store.LoadConversation(r.Context(), id); err != nil {
		respondWithError(w, http.StatusBadGateway, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if _, err := conversationID(r); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	s.binder.Unbind(r.Context())
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	snapshot := s.store.Snapshot()
	if snapshot.ConversationID != id {
		respondWithError(w, http.StatusConflict, errors.New("conversation is not open"))
		return
	}
	respondWithJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SendText(r.Context(), id, body.Text); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, models.ErrEmptyMessage) || errors.Is(err, models.ErrNoConversation) {
			status = http.StatusBadRequest
		}
		respondWithError(w, status, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		FileName string `json:"fileName"`
		DataURL  string `json:"dataUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	data, mimeType, err := media.DecodeDataURL(body.DataURL)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	in := services.SendMediaInput{
		Kind:     media.KindForMime(mimeType),
		FileName: body.FileName,
		MimeType: mimeType,
		LocalRef: body.DataURL,
		Data:     data,
	}
	if err := s.store.SendMedia(r.Context(), id, in); err != nil {
		respondWithError(w, http.StatusBadGateway, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		StatusID int     `json:"statusId"`
		Value    float64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.UpdateStatus(r.Context(), id, body.StatusID, body.Value); err != nil {
		respondWithError(w, http.StatusBadGateway, err)
		return
	}
	s.store.TriggerConversationRefresh()
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		SellerID int64 `json:"sellerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.TransferConversation(r.Context(), id, body.SellerID); err != nil {
		respondWithError(w, http.StatusBadGateway, err)
		return
	}
	s.store.TriggerConversationRefresh()
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	notes, err := s.api.ListNotes(r.Context(), id)
	if err != nil {
		respondWithError(w, http.StatusBadGateway, err)
		return
	}
	respondWithJSON(w, http.StatusOK, notes)
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.api.AddNote(r.Context(), id, body.Text); err != nil {
		respondWithError(w, http.StatusBadGateway, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}
