package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-reply-crawler/internal/review"
)

const defaultSessionLimit = 20

func (s *Server) getStore(w http.ResponseWriter, r *http.Request) {
	store, err := s.stores.Get(r.Context(), chi.URLParam(r, "store_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "store_id")
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if _, err := s.stores.Get(r.Context(), storeID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	sessions, err := s.sessions.ListByStore(r.Context(), storeID, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []review.CrawlingSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) getReview(w http.ResponseWriter, r *http.Request) {
	rv, err := s.reviews.Get(r.Context(), chi.URLParam(r, "review_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

// approveReview records the owner's approval and posts the reply right away.
// A failed post leaves the review in failed for the retry sweep and answers
// 202 with the review as stored.
func (s *Server) approveReview(w http.ResponseWriter, r *http.Request) {
	reviewID := chi.URLParam(r, "review_id")
	approved, err := s.replies.Approve(r.Context(), reviewID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	delivered, err := s.replies.Deliver(r.Context(), approved)
	if err != nil {
		var de *review.DeliveryError
		if errors.As(err, &de) {
			s.logger.Warn("reply delivery failed after approval",
				zap.String("review_id", reviewID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusAccepted, delivered)
			return
		}
		if errors.Is(err, review.ErrLeaseHeld) {
			// The sweep is posting it right now.
			writeJSON(w, http.StatusAccepted, approved)
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivered)
}

// settingsRequest is a partial update; absent fields keep their value.
type settingsRequest struct {
	CrawlingEnabled        *bool   `json:"crawling_enabled"`
	AutomationMode         *string `json:"automation_mode"`
	CrawlInterval          *string `json:"crawl_interval"`
	AutoApprovalDelayHours *int    `json:"auto_approval_delay_hours"`
	ReplyTone              *string `json:"reply_tone"`
}

func (req settingsRequest) apply(cur review.StoreSettings) (review.StoreSettings, error) {
	next := cur
	if req.CrawlingEnabled != nil {
		next.CrawlingEnabled = *req.CrawlingEnabled
	}
	if req.AutomationMode != nil {
		mode := review.AutomationMode(strings.ToLower(strings.TrimSpace(*req.AutomationMode)))
		if !mode.Valid() {
			return cur, errors.New("automation_mode must be one of manual, assisted, full")
		}
		next.AutomationMode = mode
	}
	if req.CrawlInterval != nil {
		d, err := time.ParseDuration(*req.CrawlInterval)
		if err != nil || d <= 0 {
			return cur, errors.New("crawl_interval must be a positive duration")
		}
		next.CrawlInterval = d
	}
	if req.AutoApprovalDelayHours != nil {
		if *req.AutoApprovalDelayHours < 0 {
			return cur, errors.New("auto_approval_delay_hours must not be negative")
		}
		next.AutoApprovalDelayHours = *req.AutoApprovalDelayHours
	}
	if req.ReplyTone != nil {
		next.ReplyTone = *req.ReplyTone
	}
	return next, nil
}

// updateSettings applies an owner settings change. A change to the
// automation mode or approval delay recomputes the schedule of every reply
// not yet sent, so the store's replies are approved under the new rules.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "store_id")
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	store, err := s.stores.Get(r.Context(), storeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	cur := store.Settings()
	next, err := req.apply(cur)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.stores.UpdateSettings(r.Context(), storeID, next)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	rescheduled := 0
	if s.rescheduler != nil &&
		(cur.AutomationMode != next.AutomationMode || cur.AutoApprovalDelayHours != next.AutoApprovalDelayHours) {
		rescheduled, err = s.rescheduler.ResetSchedule(r.Context(), updated)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.logger.Info("reply schedule reset",
			zap.String("store_id", storeID),
			zap.String("automation_mode", string(next.AutomationMode)),
			zap.Int("reviews", rescheduled),
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"store": updated, "rescheduled": rescheduled})
}

type reauthRequest struct {
	SessionToken string `json:"session_token"`
}

// reauthenticate stores a fresh platform credential and clears the
// degraded flag so the store is crawled again.
func (s *Server) reauthenticate(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "store_id")
	var req reauthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionToken) == "" {
		writeError(w, http.StatusBadRequest, "session_token is required")
		return
	}
	if err := s.stores.ClearDegraded(r.Context(), storeID, req.SessionToken); err != nil {
		s.writeServiceError(w, err)
		return
	}
	store, err := s.stores.Get(r.Context(), storeID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store)
}
