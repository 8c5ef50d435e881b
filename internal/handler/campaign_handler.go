// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	appErrors "github.com/unclebandit/mailreach-backend/internal/errors"
	"github.com/unclebandit/mailreach-backend/internal/service"
)

// CampaignHandler holds the dependencies for campaign queue HTTP handlers
type CampaignHandler struct {
	Distributor *service.DistributorService
}

func NewCampaignHandler(distributor *service.DistributorService) *CampaignHandler {
	return &CampaignHandler{Distributor: distributor}
}

// EnqueueHandler accepts a batch of prepared campaign emails, persists them
// as jobs and distributes them across the user's connected accounts.
func (h *CampaignHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	user := r.Header.Get("X-User-ID")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	var payload struct {
		Emails []service.OutboundEmail `json:"emails"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload.Emails) == 0 {
		http.Error(w, "emails are required", http.StatusBadRequest)
		return
	}

	queued, err := h.Distributor.EnqueueCampaignEmails(campaignID, user, payload.Emails)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoConnectedAccounts) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to enqueue campaign emails: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id":    campaignID,
		"emails_queued":  queued,
		"emails_created": len(payload.Emails),
	})
}

// DistributeHandler re-runs distribution over whatever is pending, used
// after connecting a new account or by the periodic sweep.
func (h *CampaignHandler) DistributeHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	user := r.Header.Get("X-User-ID")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	queued, err := h.Distributor.Distribute(campaignID, user)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoConnectedAccounts) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "distribution failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id":   campaignID,
		"emails_queued": queued,
	})
}

// RetryFailedHandler resets retryable failed jobs and redistributes them.
// ?force=true ignores the per-job retry timers.
func (h *CampaignHandler) RetryFailedHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	user := r.Header.Get("X-User-ID")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	queued, err := h.Distributor.RetryFailed(campaignID, user, force)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoConnectedAccounts) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "retry failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id":   campaignID,
		"emails_queued": queued,
	})
}

// StatsHandler returns job counts per status for a campaign.
func (h *CampaignHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	campaignID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	stats, err := h.Distributor.Statistics(campaignID)
	if err != nil {
		http.Error(w, "failed to fetch stats: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// AccountStatsHandler returns per-status job counts for one sending
// account. Defaults to the last 24 hours.
func (h *CampaignHandler) AccountStatsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}

	stats, err := h.Distributor.AccountStatistics(accountID, from, to)
	if err != nil {
		http.Error(w, "failed to fetch stats: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
