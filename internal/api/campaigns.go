package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/engine"
	"github.com/foxzi/mailpace/internal/store"
)

// CampaignResponse is a campaign with its run state
type CampaignResponse struct {
	*campaign.Campaign
	Progress campaign.Progress `json:"progress"`
	Active   bool              `json:"active"`
}

// ListCampaignsResponse is the response for GET /campaigns
type ListCampaignsResponse struct {
	Campaigns []*CampaignResponse `json:"campaigns"`
}

// ListRecipientsResponse is the response for GET /campaigns/{id}/recipients
type ListRecipientsResponse struct {
	Recipients []*campaign.Recipient `json:"recipients"`
}

// PreviewRequest is the request body for POST /campaigns/{id}/preview
type PreviewRequest struct {
	Count int `json:"count"`
}

// PauseRequest is the request body for POST /campaigns/{id}/pause
type PauseRequest struct {
	Reason string `json:"reason"`
}

// ResumeRequest is the request body for POST /campaigns/{id}/resume
type ResumeRequest struct {
	// RetryFailed defaults to true
	RetryFailed *bool `json:"retry_failed"`
}

// ActionResponse acknowledges a run control request
type ActionResponse struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func (s *Server) campaignResponse(c *campaign.Campaign) *CampaignResponse {
	return &CampaignResponse{
		Campaign: c,
		Progress: campaign.NewProgress(c.Counts, c.RatePerMinute),
		Active:   s.manager.IsRunning(c.ID),
	}
}

// decodeBody decodes an optional JSON body
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var def campaign.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(def.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}

	c, maxRetriesSet := def.Campaign()
	if s.defaults != nil {
		s.defaults.ApplyDefaults(c, maxRetriesSet)
	}

	if err := s.manager.Create(r.Context(), c, def.Recipients, def.Column()); err != nil {
		s.sendStoreError(w, err, "create campaign")
		return
	}

	s.logger.Info("campaign created via API",
		"campaign_id", c.ID,
		"name", c.Name,
		"recipients", c.Counts.Total,
	)

	created, err := s.store.GetCampaign(r.Context(), c.ID)
	if err != nil {
		s.sendStoreError(w, err, "get campaign")
		return
	}
	s.sendJSON(w, http.StatusCreated, s.campaignResponse(created))
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := store.CampaignFilter{Status: campaign.Status(r.URL.Query().Get("status"))}

	var err error
	if filter.Limit, err = queryInt(r, "limit", 100); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	campaigns, err := s.store.ListCampaigns(r.Context(), filter)
	if err != nil {
		s.sendStoreError(w, err, "list campaigns")
		return
	}

	resp := ListCampaignsResponse{Campaigns: make([]*CampaignResponse, len(campaigns))}
	for i, c := range campaigns {
		resp.Campaigns[i] = s.campaignResponse(c)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendStoreError(w, err, "get campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, s.campaignResponse(c))
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var def campaign.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if len(def.Recipients) > 0 {
		s.sendError(w, http.StatusBadRequest, "recipients cannot be changed after creation")
		return
	}

	c, maxRetriesSet := def.Campaign()
	c.ID = id
	if s.defaults != nil {
		s.defaults.ApplyDefaults(c, maxRetriesSet)
	}

	if err := s.manager.Update(r.Context(), c); err != nil {
		s.sendStoreError(w, err, "update campaign")
		return
	}

	updated, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, err, "get campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, s.campaignResponse(updated))
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "delete campaign")
		return
	}

	s.logger.Info("campaign deleted via API", "campaign_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListRecipients handles GET /api/v1/campaigns/{id}/recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var filter store.RecipientFilter
	if v := r.URL.Query().Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			status, err := campaign.ParseRecipientStatus(strings.TrimSpace(part))
			if err != nil {
				s.sendError(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "get campaign")
		return
	}
	recipients, err := s.store.ListRecipients(r.Context(), id, filter)
	if err != nil {
		s.sendStoreError(w, err, "list recipients")
		return
	}
	if recipients == nil {
		recipients = []*campaign.Recipient{}
	}
	s.sendJSON(w, http.StatusOK, ListRecipientsResponse{Recipients: recipients})
}

// handleListAttempts handles GET /api/v1/campaigns/{id}/recipients/{rid}/attempts
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rid, err := strconv.ParseInt(chi.URLParam(r, "rid"), 10, 64)
	if err != nil || rid <= 0 {
		s.sendError(w, http.StatusBadRequest, "invalid recipient id")
		return
	}

	if _, err := s.store.GetRecipient(r.Context(), id, rid); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Recipient not found")
			return
		}
		s.sendStoreError(w, err, "get recipient")
		return
	}

	attempts, err := s.store.ListAttempts(r.Context(), id, rid)
	if err != nil {
		s.sendStoreError(w, err, "list attempts")
		return
	}
	if attempts == nil {
		attempts = []*campaign.SendAttempt{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

// handleExportFailures handles GET /api/v1/campaigns/{id}/failed.csv
func (s *Server) handleExportFailures(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "get campaign")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"-failed.csv"))
	if _, err := engine.ExportFailures(r.Context(), s.store, id, w); err != nil {
		// Headers are gone; the truncated body is all we can do
		s.logger.Error("failed to export failures", "campaign_id", id, "error", err)
	}
}

// handlePreview handles POST /api/v1/campaigns/{id}/preview
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req := PreviewRequest{Count: 3}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Count <= 0 || req.Count > 100 {
		s.sendError(w, http.StatusBadRequest, "count must be between 1 and 100")
		return
	}

	previews, err := s.manager.Preview(r.Context(), chi.URLParam(r, "id"), req.Count)
	if err != nil {
		s.sendStoreError(w, err, "render preview")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"previews": previews})
}

// handleStart handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Start(r.Context(), id); err != nil {
		s.sendStoreError(w, err, "start campaign")
		return
	}
	s.logger.Info("campaign started via API", "campaign_id", id)
	s.sendJSON(w, http.StatusAccepted, ActionResponse{ID: id, Action: "start"})
}

// handlePause handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req PauseRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.manager.Pause(r.Context(), id, req.Reason); err != nil {
		s.sendStoreError(w, err, "pause campaign")
		return
	}
	s.logger.Info("campaign paused via API", "campaign_id", id)
	s.sendJSON(w, http.StatusAccepted, ActionResponse{ID: id, Action: "pause"})
}

// handleResume handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResumeRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	retryFailed := req.RetryFailed == nil || *req.RetryFailed

	if err := s.manager.Resume(r.Context(), id, retryFailed); err != nil {
		s.sendStoreError(w, err, "resume campaign")
		return
	}
	s.logger.Info("campaign resumed via API", "campaign_id", id, "retry_failed", retryFailed)
	s.sendJSON(w, http.StatusAccepted, ActionResponse{ID: id, Action: "resume"})
}

// handleCancel handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Cancel(id); err != nil {
		s.sendStoreError(w, err, "cancel campaign")
		return
	}
	s.logger.Info("campaign cancelled via API", "campaign_id", id)
	s.sendJSON(w, http.StatusAccepted, ActionResponse{ID: id, Action: "cancel"})
}
