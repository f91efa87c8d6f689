package httpserver

import (
	"net/http"

	apierrors "github.com/paygate/server/internal/errors"
	"github.com/paygate/server/internal/keystore"
	"github.com/paygate/server/pkg/responders"
)

type groupRequest struct {
	Name           string           `json:"name"`
	AllowedTools   []string         `json:"allowedTools,omitempty"`
	DeniedTools    []string         `json:"deniedTools,omitempty"`
	Pricing        map[string]int64 `json:"pricing,omitempty"`
	IPAllowlist    []string         `json:"ipAllowlist,omitempty"`
	DefaultCredits int64            `json:"defaultCredits,omitempty"`
	SpendingLimit  int64            `json:"spendingLimit,omitempty"`
}

func (req groupRequest) toGroup() keystore.Group {
	return keystore.Group{
		Name:           req.Name,
		AllowedTools:   req.AllowedTools,
		DeniedTools:    req.DeniedTools,
		Pricing:        req.Pricing,
		IPAllowlist:    req.IPAllowlist,
		DefaultCredits: req.DefaultCredits,
		SpendingLimit:  req.SpendingLimit,
	}
}

func (h *handlers) handleListGroups(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]interface{}{"groups": h.store.ListGroups()})
}

func (h *handlers) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Name == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "name is required", nil)
		return
	}
	group, err := h.store.CreateGroup(req.toGroup())
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	h.audit.Record("admin.group_created", "admin", "group created", map[string]string{"group": group.Name})
	responders.JSON(w, http.StatusCreated, group)
}

func (h *handlers) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Name == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "name is required", nil)
		return
	}
	group, err := h.store.UpdateGroup(req.Name, req.toGroup())
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, group)
}

type groupNameRequest struct {
	Name string `json:"name"`
}

func (h *handlers) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	var req groupNameRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Name == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "name is required", nil)
		return
	}
	if err := h.store.DeleteGroup(req.Name); err != nil {
		writeKeystoreError(w, err)
		return
	}
	h.audit.Record("admin.group_deleted", "admin", "group deleted", map[string]string{"group": req.Name})
	w.WriteHeader(http.StatusNoContent)
}

type groupAssignRequest struct {
	Key   string `json:"key"`
	Group string `json:"group"`
}

func (h *handlers) handleAssignGroup(w http.ResponseWriter, r *http.Request) {
	var req groupAssignRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" || req.Group == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key and group are required", nil)
		return
	}
	group := req.Group
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{Group: &group})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}

func (h *handlers) handleRemoveGroup(w http.ResponseWriter, r *http.Request) {
	var req keyIdentRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	empty := ""
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{Group: &empty})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}
