package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidRedirectURI = errors.New("oauth: invalid redirect uri")
	ErrTooManyRedirects   = errors.New("oauth: too many redirect uris")
	ErrClientNotFound     = errors.New("oauth: client not found")
	ErrClientUnbound      = errors.New("oauth: client is not bound to a key")
	ErrInvalidSecret      = errors.New("oauth: invalid client secret")
	ErrMissingChallenge   = errors.New("oauth: code_challenge is required")
	ErrCodeNotFound       = errors.New("oauth: authorization code not found or already used")
	ErrCodeExpired        = errors.New("oauth: authorization code expired")
	ErrRedirectMismatch   = errors.New("oauth: redirect_uri does not match authorization request")
	ErrPKCEFailed         = errors.New("oauth: pkce verification failed")
	ErrTokenNotFound      = errors.New("oauth: token not found")
	ErrTokenExpired       = errors.New("oauth: token expired")
	ErrWrongTokenKind     = errors.New("oauth: wrong token kind for this grant")
	ErrScopeWidened       = errors.New("oauth: refresh cannot widen scope")
	ErrGrantNotAllowed    = errors.New("oauth: client is not authorized for this grant type")
	ErrTooManyClients     = errors.New("oauth: client registration limit reached")
)

// Config controls token lifetimes and server identity.
type Config struct {
	Issuer               string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
}

// AuditRecorder is the narrow interface the server depends on for audit
// events, matching gate.AuditRecorder's shape.
type AuditRecorder interface {
	Record(eventType, actor, message string, metadata map[string]string)
}

// Server is the in-memory, optionally file-backed OAuth 2.1 authorization
// server. Clients are durable (file-persisted); authorization codes and
// tokens are ephemeral in-memory state, matching the persisted-state
// boundary the rest of the system draws between durable credentials and
// transient grants.
type Server struct {
	mu sync.RWMutex

	cfg Config

	clients map[string]*Client
	codes   map[string]*AuthCode
	tokens  map[string]*Token // keyed by token value
	families map[string][]string // family -> token values in that family

	audit AuditRecorder

	persist *persister
}

// New creates an empty, unpersisted Server.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		clients:  make(map[string]*Client),
		codes:    make(map[string]*AuthCode),
		tokens:   make(map[string]*Token),
		families: make(map[string][]string),
	}
}

// SetAuditRecorder attaches an audit sink. Optional; nil disables events.
func (s *Server) SetAuditRecorder(a AuditRecorder) {
	s.audit = a
}

func (s *Server) recordAudit(eventType, actor, message string, metadata map[string]string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(eventType, actor, message, metadata)
}

// RegisterClient performs dynamic client registration (RFC 7591).
// Confidential clients receive a plaintext secret returned exactly once;
// only its bcrypt hash is retained.
func (s *Server) RegisterClient(opts RegisterOptions) (client Client, plaintextSecret string, err error) {
	if len(opts.RedirectURIs) == 0 {
		return Client{}, "", ErrInvalidRedirectURI
	}
	if len(opts.RedirectURIs) > maxRedirectURIs {
		return Client{}, "", ErrTooManyRedirects
	}
	for _, raw := range opts.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Client{}, "", fmt.Errorf("%w: %s", ErrInvalidRedirectURI, raw)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) >= maxClients {
		return Client{}, "", ErrTooManyClients
	}

	id, err := generateClientID()
	if err != nil {
		return Client{}, "", err
	}

	c := &Client{
		ID:           id,
		Confidential: opts.Confidential,
		Name:         opts.Name,
		RedirectURIs: append([]string(nil), opts.RedirectURIs...),
		GrantTypes:   append([]string(nil), opts.GrantTypes...),
		Scope:        opts.Scope,
		CreatedAt:    time.Now().UTC(),
	}

	if opts.Confidential {
		secret, err := generateSecret()
		if err != nil {
			return Client{}, "", err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return Client{}, "", fmt.Errorf("hash client secret: %w", err)
		}
		c.SecretHash = string(hash)
		plaintextSecret = secret
	}

	s.clients[id] = c
	s.markDirtyLocked()

	s.recordAudit("oauth.client_registered", id, "oauth client registered", map[string]string{
		"name":         opts.Name,
		"confidential": fmt.Sprintf("%t", opts.Confidential),
	})

	return *c, plaintextSecret, nil
}

// BindKey associates clientID with an existing keystore key id. A client
// cannot issue tokens until bound. Admin-only operation.
func (s *Server) BindKey(clientID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.KeyID = keyID
	s.markDirtyLocked()
	return nil
}

// GetClient returns a copy of the client record, or ErrClientNotFound.
func (s *Server) GetClient(clientID string) (Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	return *c, nil
}

// CreateAuthCode issues a one-use, short-lived authorization code.
// codeChallenge is mandatory (PKCE S256 is not optional in this server).
func (s *Server) CreateAuthCode(clientID, redirectURI, scope, codeChallenge string) (string, error) {
	if codeChallenge == "" {
		return "", ErrMissingChallenge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return "", ErrClientNotFound
	}
	if c.KeyID == "" {
		return "", ErrClientUnbound
	}
	if !validRedirect(c, redirectURI) {
		return "", ErrRedirectMismatch
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}

	if len(s.codes) >= maxAuthCodes {
		s.evictOldestCodeLocked()
	}

	ttl := s.cfg.AuthorizationCodeTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	s.codes[code] = &AuthCode{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		KeyID:         c.KeyID,
		CodeChallenge: codeChallenge,
		ExpiresAt:     time.Now().UTC().Add(ttl),
	}
	return code, nil
}

func (s *Server) evictOldestCodeLocked() {
	var oldestCode string
	var oldestExpiry time.Time
	for code, ac := range s.codes {
		if oldestCode == "" || ac.ExpiresAt.Before(oldestExpiry) {
			oldestCode = code
			oldestExpiry = ac.ExpiresAt
		}
	}
	if oldestCode != "" {
		delete(s.codes, oldestCode)
	}
}

// ExchangeCode redeems a single-use authorization code for an access and
// refresh token pair sharing a family tag. The code is deleted before any
// validation runs, so two concurrent exchanges of the same code can never
// both succeed.
func (s *Server) ExchangeCode(code, redirectURI, verifier string) (Grant, error) {
	s.mu.Lock()
	ac, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
	}
	s.mu.Unlock()

	if !ok {
		return Grant{}, ErrCodeNotFound
	}
	if time.Now().UTC().After(ac.ExpiresAt) {
		return Grant{}, ErrCodeExpired
	}
	if ac.RedirectURI != redirectURI {
		return Grant{}, ErrRedirectMismatch
	}
	if !verifyPKCE(ac.CodeChallenge, verifier) {
		return Grant{}, ErrPKCEFailed
	}

	grant, err := s.issueTokenPair(ac.ClientID, ac.KeyID, ac.Scope)
	if err != nil {
		return Grant{}, err
	}

	s.recordAudit("oauth.code_exchanged", ac.ClientID, "authorization code exchanged for tokens", map[string]string{
		"keyId": ac.KeyID,
	})
	return grant, nil
}

// RefreshAccessToken validates a refresh token and issues a new access
// token (and a new refresh token, rotating the old one out of its
// family). Scope may be narrowed but never widened relative to the
// original grant.
func (s *Server) RefreshAccessToken(refreshToken, requestedScope string) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[refreshToken]
	if !ok {
		return Grant{}, ErrTokenNotFound
	}
	if t.Kind != KindRefresh {
		return Grant{}, ErrWrongTokenKind
	}
	if time.Now().UTC().After(t.ExpiresAt) {
		s.evictTokenLocked(refreshToken)
		return Grant{}, ErrTokenExpired
	}

	scope := t.Scope
	if requestedScope != "" {
		if !scopeSubset(requestedScope, t.Scope) {
			return Grant{}, ErrScopeWidened
		}
		scope = requestedScope
	}

	s.revokeFamilyLocked(t.Family, "rotated")

	grant, err := s.issueTokenPairLocked(t.ClientID, t.KeyID, scope)
	if err != nil {
		return Grant{}, err
	}

	s.recordAudit("oauth.token_refreshed", t.ClientID, "access token refreshed", map[string]string{
		"keyId": t.KeyID,
	})
	return grant, nil
}

// ClientCredentialsGrant issues an access-token-only grant (no refresh
// token) for a confidential client authenticating with its own secret.
func (s *Server) ClientCredentialsGrant(clientID, secret, scope string) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return Grant{}, ErrClientNotFound
	}
	if !c.Confidential {
		return Grant{}, ErrInvalidSecret
	}
	if !grantAllowed(c, "client_credentials") {
		return Grant{}, ErrGrantNotAllowed
	}
	if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) != nil {
		return Grant{}, ErrInvalidSecret
	}
	if c.KeyID == "" {
		return Grant{}, ErrClientUnbound
	}

	effectiveScope := scope
	if effectiveScope == "" {
		effectiveScope = c.Scope
	}

	access, err := generateAccessToken()
	if err != nil {
		return Grant{}, err
	}
	ttl := s.cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	family, err := generateFamily()
	if err != nil {
		return Grant{}, err
	}
	expires := time.Now().UTC().Add(ttl)
	s.tokens[access] = &Token{
		Value: access, Kind: KindAccess, ClientID: clientID, KeyID: c.KeyID,
		Scope: effectiveScope, Family: family, ExpiresAt: expires,
	}
	s.families[family] = []string{access}
	s.enforceTokenCapLocked()

	s.recordAudit("oauth.token_issued", clientID, "client-credentials token issued", map[string]string{
		"keyId": c.KeyID,
	})

	return Grant{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       effectiveScope,
	}, nil
}

func (s *Server) issueTokenPair(clientID, keyID, scope string) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokenPairLocked(clientID, keyID, scope)
}

func (s *Server) issueTokenPairLocked(clientID, keyID, scope string) (Grant, error) {
	access, err := generateAccessToken()
	if err != nil {
		return Grant{}, err
	}
	refresh, err := generateRefreshToken()
	if err != nil {
		return Grant{}, err
	}
	family, err := generateFamily()
	if err != nil {
		return Grant{}, err
	}

	accessTTL := s.cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	refreshTTL := s.cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()
	s.tokens[access] = &Token{
		Value: access, Kind: KindAccess, ClientID: clientID, KeyID: keyID,
		Scope: scope, Family: family, ExpiresAt: now.Add(accessTTL),
	}
	s.tokens[refresh] = &Token{
		Value: refresh, Kind: KindRefresh, ClientID: clientID, KeyID: keyID,
		Scope: scope, Family: family, ExpiresAt: now.Add(refreshTTL),
	}
	s.families[family] = []string{access, refresh}
	s.enforceTokenCapLocked()

	return Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
		Scope:        scope,
	}, nil
}

func (s *Server) enforceTokenCapLocked() {
	for len(s.tokens) > maxTokens {
		var oldest string
		var oldestExpiry time.Time
		for v, t := range s.tokens {
			if oldest == "" || t.ExpiresAt.Before(oldestExpiry) {
				oldest = v
				oldestExpiry = t.ExpiresAt
			}
		}
		if oldest == "" {
			return
		}
		s.evictTokenLocked(oldest)
	}
}

// ValidateToken resolves an opaque bearer token to the credential it was
// issued for. A lookup of an already-expired token opportunistically
// evicts it instead of just reporting failure.
func (s *Server) ValidateToken(value string) (Validated, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return Validated{}, false
	}
	if time.Now().UTC().After(t.ExpiresAt) {
		s.evictTokenLocked(value)
		return Validated{}, false
	}
	return Validated{APIKey: t.KeyID, Scope: t.Scope, ClientID: t.ClientID}, true
}

// RevokeToken revokes value and, per RFC 7009, cascades to every other
// token sharing its family.
func (s *Server) RevokeToken(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok {
		return ErrTokenNotFound
	}
	s.revokeFamilyLocked(t.Family, "explicit")
	return nil
}

func (s *Server) revokeFamilyLocked(family, reason string) {
	for _, v := range s.families[family] {
		s.evictTokenLocked(v)
		if s.audit != nil {
			s.recordAudit("oauth.token_revoked", v, "token revoked", map[string]string{"reason": reason})
		}
	}
	delete(s.families, family)
}

func (s *Server) evictTokenLocked(value string) {
	delete(s.tokens, value)
}

// Metadata returns the RFC 8414 authorization-server metadata document.
func (s *Server) Metadata() Metadata {
	issuer := s.cfg.Issuer
	return Metadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/oauth/authorize",
		TokenEndpoint:          issuer + "/oauth/token",
		RevocationEndpoint:     issuer + "/oauth/revoke",
		RegistrationEndpoint:   issuer + "/oauth/register",
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token", "client_credentials"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
	}
}

// Cleanup removes every expired authorization code and token. Intended
// for a periodic sweep, never a request-handler goroutine. Returns the
// number of records removed.
func (s *Server) Cleanup() int {
	now := time.Now().UTC()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for code, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for value, t := range s.tokens {
		if now.After(t.ExpiresAt) {
			delete(s.tokens, value)
			removed++
		}
	}
	for family, values := range s.families {
		live := values[:0]
		for _, v := range values {
			if _, ok := s.tokens[v]; ok {
				live = append(live, v)
			}
		}
		if len(live) == 0 {
			delete(s.families, family)
		} else {
			s.families[family] = live
		}
	}
	return removed
}

func validRedirect(c *Client, redirectURI string) bool {
	for _, u := range c.RedirectURIs {
		if u == redirectURI {
			return true
		}
	}
	return false
}

func grantAllowed(c *Client, grant string) bool {
	if len(c.GrantTypes) == 0 {
		return true
	}
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// scopeSubset reports whether requested is no broader than original: a
// space-delimited set comparison, since scope strings in this system are
// small flat lists, not hierarchical.
func scopeSubset(requested, original string) bool {
	allowed := make(map[string]bool)
	for _, s := range splitScope(original) {
		allowed[s] = true
	}
	for _, s := range splitScope(requested) {
		if !allowed[s] {
			return false
		}
	}
	return true
}

func splitScope(scope string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if i > start {
				out = append(out, scope[start:i])
			}
			start = i + 1
		}
	}
	return out
}
