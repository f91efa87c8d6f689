package httpserver

import (
	"net/http"

	apierrors "github.com/paygate/server/internal/errors"
	"github.com/paygate/server/internal/webhook"
	"github.com/paygate/server/pkg/responders"
)

type webhookFilterRequest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	EventTypes  []string `json:"eventTypes"`
	URL         string   `json:"url"`
	Secret      string   `json:"secret,omitempty"`
	KeyPrefixes []string `json:"keyPrefixes,omitempty"`
	Active      bool     `json:"active"`
}

func (req webhookFilterRequest) toRule() webhook.FilterRule {
	return webhook.FilterRule{
		ID:          req.ID,
		Name:        req.Name,
		EventTypes:  req.EventTypes,
		URL:         req.URL,
		Secret:      req.Secret,
		KeyPrefixes: req.KeyPrefixes,
		Active:      req.Active,
	}
}

func (h *handlers) handleListWebhookFilters(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]interface{}{"filters": h.webhooks.ListRules()})
}

func (h *handlers) handleCreateWebhookFilter(w http.ResponseWriter, r *http.Request) {
	var req webhookFilterRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.URL == "" || len(req.EventTypes) == 0 {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "url and eventTypes are required", nil)
		return
	}
	rule, err := h.webhooks.CreateRule(req.toRule())
	if err != nil {
		apierrors.WriteError(w, apierrors.ErrCodeInternalError, "failed to create filter rule", nil)
		return
	}
	h.audit.Record("admin.webhook_filter_created", "admin", "webhook filter created", map[string]string{"ruleId": rule.ID})
	responders.JSON(w, http.StatusCreated, rule)
}

func (h *handlers) handleUpdateWebhookFilter(w http.ResponseWriter, r *http.Request) {
	var req webhookFilterRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.ID == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "id is required", nil)
		return
	}
	rule, err := h.webhooks.UpdateRule(req.ID, req.toRule())
	if err != nil {
		writeWebhookError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, rule)
}

type webhookFilterIDRequest struct {
	ID string `json:"id"`
}

func (h *handlers) handleDeleteWebhookFilter(w http.ResponseWriter, r *http.Request) {
	var req webhookFilterIDRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.ID == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "id is required", nil)
		return
	}
	if err := h.webhooks.DeleteRule(req.ID); err != nil {
		writeWebhookError(w, err)
		return
	}
	h.audit.Record("admin.webhook_filter_deleted", "admin", "webhook filter deleted", map[string]string{"ruleId": req.ID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, h.webhooks.Stats())
}

func writeWebhookError(w http.ResponseWriter, err error) {
	if err == webhook.ErrNotFound {
		apierrors.WriteError(w, apierrors.ErrCodeFilterNotFound, "filter rule not found", nil)
		return
	}
	apierrors.WriteError(w, apierrors.ErrCodeInternalError, "unexpected webhook error", nil)
}
