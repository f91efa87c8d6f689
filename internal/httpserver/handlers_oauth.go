package httpserver

import (
	"net/http"

	apierrors "github.com/paygate/server/internal/errors"
	"github.com/paygate/server/internal/oauth"
	"github.com/paygate/server/pkg/responders"
)

type oauthRegisterRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
	Scope        string   `json:"scope"`
	Confidential bool     `json:"confidential"`
	KeyID        string   `json:"key_id"`
}

func (h *handlers) handleOAuthRegister(w http.ResponseWriter, r *http.Request) {
	var req oauthRegisterRequest
	if err := decodeJSON(r.Body, &req); err != nil || len(req.RedirectURIs) == 0 {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "redirect_uris is required", nil)
		return
	}

	client, secret, err := h.oauth.RegisterClient(oauth.RegisterOptions{
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
		Scope:        req.Scope,
		Confidential: req.Confidential,
	})
	if err != nil {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, err.Error(), nil)
		return
	}

	if req.KeyID != "" {
		if err := h.oauth.BindKey(client.ID, req.KeyID); err != nil {
			apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "failed to bind key", nil)
			return
		}
	}

	resp := map[string]interface{}{
		"client_id":     client.ID,
		"client_name":   client.Name,
		"redirect_uris": client.RedirectURIs,
		"grant_types":   client.GrantTypes,
		"scope":         client.Scope,
	}
	if secret != "" {
		resp["client_secret"] = secret
	}
	responders.JSON(w, http.StatusCreated, resp)
}

type oauthAuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// handleOAuthAuthorize issues an authorization code directly; there is no
// interactive consent screen on this surface, so the admin-bound client
// exchanges its already-established identity for a code in one call.
func (h *handlers) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	var req oauthAuthorizeRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.ClientID == "" || req.RedirectURI == "" {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "client_id and redirect_uri are required", nil)
		return
	}
	if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "code_challenge_method must be S256", nil)
		return
	}

	code, err := h.oauth.CreateAuthCode(req.ClientID, req.RedirectURI, req.Scope, req.CodeChallenge)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"code": code, "redirect_uri": req.RedirectURI})
}

type oauthTokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
}

func (h *handlers) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	var req oauthTokenRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "malformed token request", nil)
		return
	}

	var (
		grant oauth.Grant
		err   error
	)
	switch req.GrantType {
	case "authorization_code":
		grant, err = h.oauth.ExchangeCode(req.Code, req.RedirectURI, req.CodeVerifier)
	case "refresh_token":
		grant, err = h.oauth.RefreshAccessToken(req.RefreshToken, req.Scope)
	case "client_credentials":
		grant, err = h.oauth.ClientCredentialsGrant(req.ClientID, req.ClientSecret, req.Scope)
	default:
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "unsupported grant_type", nil)
		return
	}
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, tokenResponse{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		Scope:        grant.Scope,
	})
}

// tokenResponse is the RFC 6749 §5.1 access token response shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

type oauthRevokeRequest struct {
	Token string `json:"token"`
}

func (h *handlers) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	var req oauthRevokeRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Token == "" {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "token is required", nil)
		return
	}
	// RFC 7009: revocation always returns 200 even for an unknown token.
	_ = h.oauth.RevokeToken(req.Token)
	w.WriteHeader(http.StatusOK)
}

func (h *handlers) handleOAuthMetadata(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, h.oauth.Metadata())
}

func writeOAuthError(w http.ResponseWriter, err error) {
	switch err {
	case oauth.ErrClientNotFound:
		apierrors.WriteError(w, apierrors.ErrCodeClientNotFound, "unknown client", nil)
	case oauth.ErrInvalidSecret, oauth.ErrWrongTokenKind, oauth.ErrPKCEFailed,
		oauth.ErrRedirectMismatch, oauth.ErrClientUnbound, oauth.ErrScopeWidened,
		oauth.ErrGrantNotAllowed:
		apierrors.WriteError(w, apierrors.ErrCodeInvalidClient, err.Error(), nil)
	case oauth.ErrCodeNotFound, oauth.ErrCodeExpired, oauth.ErrTokenNotFound, oauth.ErrTokenExpired:
		apierrors.WriteError(w, apierrors.ErrCodeInvalidToken, err.Error(), nil)
	case oauth.ErrInvalidRedirectURI, oauth.ErrTooManyRedirects, oauth.ErrMissingChallenge,
		oauth.ErrTooManyClients:
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, err.Error(), nil)
	default:
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, err.Error(), nil)
	}
}
