package httpserver

import (
	"net/http"
	"strconv"

	apierrors "github.com/paygate/server/internal/errors"
	"github.com/paygate/server/internal/keystore"
	"github.com/paygate/server/pkg/responders"
)

type createKeyRequest struct {
	Name           string            `json:"name"`
	InitialCredits int64             `json:"initialCredits"`
	Namespace      string            `json:"namespace,omitempty"`
	Group          string            `json:"group,omitempty"`
	AllowedTools   []string          `json:"allowedTools,omitempty"`
	DeniedTools    []string          `json:"deniedTools,omitempty"`
	Pricing        map[string]int64  `json:"pricing,omitempty"`
	DefaultCredits int64             `json:"defaultCredits,omitempty"`
	SpendingLimit  int64             `json:"spendingLimit,omitempty"`
	IPAllowlist    []string          `json:"ipAllowlist,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

func (h *handlers) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "malformed request body", nil)
		return
	}
	if req.Name == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "name is required", nil)
		return
	}

	key, err := h.store.CreateKey(req.Name, req.InitialCredits, keystore.CreateOptions{
		Namespace:      req.Namespace,
		Group:          req.Group,
		AllowedTools:   req.AllowedTools,
		DeniedTools:    req.DeniedTools,
		Pricing:        req.Pricing,
		DefaultCredits: req.DefaultCredits,
		SpendingLimit:  req.SpendingLimit,
		IPAllowlist:    req.IPAllowlist,
		Tags:           req.Tags,
	})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}

	h.audit.Record("admin.key_created", "admin", "key created", map[string]string{"keyId": key.ID})
	h.webhooks.EmitForKey("key.created", key.ID, key)
	responders.JSON(w, http.StatusCreated, key)
}

func (h *handlers) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := keystore.ListFilter{
		Namespace:  q.Get("namespace"),
		Group:      q.Get("group"),
		NamePrefix: q.Get("namePrefix"),
	}
	page := keystore.Pagination{
		Sort:   q.Get("sort"),
		Desc:   q.Get("desc") == "true",
		Offset: atoiDefault(q.Get("offset"), 0),
		Limit:  atoiDefault(q.Get("limit"), 0),
	}

	keys, result := h.store.List(filter, page)
	if result != nil {
		responders.JSON(w, http.StatusOK, result)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

type keyIdentRequest struct {
	Key string `json:"key"`
}

func (h *handlers) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	h.mutateKey(w, r, func(id string) (keystore.Key, error) { return h.store.Revoke(id) }, "admin.key_revoked")
}

func (h *handlers) handleSuspendKey(w http.ResponseWriter, r *http.Request) {
	h.mutateKey(w, r, func(id string) (keystore.Key, error) { return h.store.Suspend(id) }, "admin.key_suspended")
}

func (h *handlers) handleResumeKey(w http.ResponseWriter, r *http.Request) {
	h.mutateKey(w, r, func(id string) (keystore.Key, error) { return h.store.Resume(id) }, "admin.key_resumed")
}

func (h *handlers) mutateKey(w http.ResponseWriter, r *http.Request, mutate func(string) (keystore.Key, error), eventType string) {
	var req keyIdentRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	key, err := mutate(req.Key)
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	h.audit.Record(eventType, "admin", eventType, map[string]string{"keyId": key.ID})
	responders.JSON(w, http.StatusOK, key)
}

type topupRequest struct {
	Key    string `json:"key"`
	Amount int64  `json:"amount"`
}

func (h *handlers) handleTopup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" || req.Amount <= 0 {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "key and a positive amount are required", nil)
		return
	}
	key, err := h.store.Topup(req.Key, req.Amount)
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	h.audit.Record("admin.topup", "admin", "credits added", map[string]string{
		"keyId": key.ID, "amount": strconv.FormatInt(req.Amount, 10),
	})
	responders.JSON(w, http.StatusOK, key)
}

type limitRequest struct {
	Key           string `json:"key"`
	SpendingLimit int64  `json:"spendingLimit"`
}

func (h *handlers) handleSetSpendingLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	limit := req.SpendingLimit
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{SpendingLimit: &limit})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}

type defaultCreditsRequest struct {
	Key            string `json:"key"`
	DefaultCredits int64  `json:"defaultCredits"`
}

// handleSetDefaultCredits overrides the per-call price a key falls back to
// when its Pricing map has no entry for the tool being called, taking
// precedence over the key's group (see keystore.PriceFor).
func (h *handlers) handleSetDefaultCredits(w http.ResponseWriter, r *http.Request) {
	var req defaultCreditsRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	credits := req.DefaultCredits
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{DefaultCredits: &credits})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}

type aclRequest struct {
	Key          string   `json:"key"`
	AllowedTools []string `json:"allowedTools"`
	DeniedTools  []string `json:"deniedTools"`
}

func (h *handlers) handleSetACL(w http.ResponseWriter, r *http.Request) {
	var req aclRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{
		AllowedTools: req.AllowedTools, SetAllowedTools: true,
		DeniedTools: req.DeniedTools, SetDeniedTools: true,
	})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}

type expiryRequest struct {
	Key       string `json:"key"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *handlers) handleSetExpiry(w http.ResponseWriter, r *http.Request) {
	var req expiryRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	at, err := parseISO8601(req.ExpiresAt)
	if err != nil {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "expiresAt must be ISO 8601", nil)
		return
	}
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{ExpiresAt: at})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}

type tagsRequest struct {
	Key  string            `json:"key"`
	Tags map[string]string `json:"tags"`
}

func (h *handlers) handleSetTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{Tags: req.Tags, SetTags: true})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}

type ipAllowlistRequest struct {
	Key         string   `json:"key"`
	IPAllowlist []string `json:"ipAllowlist"`
}

func (h *handlers) handleSetIPAllowlist(w http.ResponseWriter, r *http.Request) {
	var req ipAllowlistRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key is required", nil)
		return
	}
	key, err := h.store.UpdateMeta(req.Key, keystore.MetaPatch{IPAllowlist: req.IPAllowlist, SetIPAllowlist: true})
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, key)
}

type aliasRequest struct {
	Key   string `json:"key"`
	Alias string `json:"alias"`
}

func (h *handlers) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Key == "" || req.Alias == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key and alias are required", nil)
		return
	}
	if err := h.store.RegisterAlias(req.Key, req.Alias); err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"key": req.Key, "alias": req.Alias})
}

func (h *handlers) handleKeyHealth(w http.ResponseWriter, r *http.Request) {
	keyID := r.URL.Query().Get("key")
	if keyID == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "key query parameter is required", nil)
		return
	}
	key, err := h.store.GetKey(keyID)
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"id":      key.ID,
		"state":   key.Resolve(nowFunc()),
		"balance": key.Balance,
		"spent":   key.Spent,
	})
}

func writeKeystoreError(w http.ResponseWriter, err error) {
	switch err {
	case keystore.ErrNotFound:
		apierrors.WriteError(w, apierrors.ErrCodeKeyNotFound, "key not found", nil)
	case keystore.ErrDuplicateName:
		apierrors.WriteError(w, apierrors.ErrCodeDuplicateName, "name already in use", nil)
	case keystore.ErrDuplicateAlias:
		apierrors.WriteError(w, apierrors.ErrCodeDuplicateAlias, "alias already in use", nil)
	case keystore.ErrGroupNotFound:
		apierrors.WriteError(w, apierrors.ErrCodeGroupNotFound, "group not found", nil)
	case keystore.ErrMaxKeysReached:
		apierrors.WriteError(w, apierrors.ErrCodeMaxKeysReached, "maximum number of keys reached", nil)
	default:
		apierrors.WriteError(w, apierrors.ErrCodeInternalError, "unexpected keystore error", nil)
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
