package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Issuer:               "https://paygate.example",
		AccessTokenTTL:       time.Hour,
		RefreshTokenTTL:      30 * 24 * time.Hour,
		AuthorizationCodeTTL: 60 * time.Second,
	}
}

func pkcePair() (verifier, challenge string) {
	verifier = "a-fixed-test-verifier-string-that-is-long-enough"
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge
}

func registerAndBind(t *testing.T, s *Server, redirectURI string) Client {
	t.Helper()
	c, _, err := s.RegisterClient(RegisterOptions{
		Name:         "test-client",
		RedirectURIs: []string{redirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if err := s.BindKey(c.ID, "pg_testkey1"); err != nil {
		t.Fatalf("BindKey() error = %v", err)
	}
	c.KeyID = "pg_testkey1"
	return c
}

func TestRegisterClient_ConfidentialReturnsSecretOnceAndHashesIt(t *testing.T) {
	s := New(testConfig())
	c, secret, err := s.RegisterClient(RegisterOptions{
		Name:         "confidential-app",
		RedirectURIs: []string{"https://app.example/callback"},
		Confidential: true,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if secret == "" {
		t.Fatal("expected a plaintext secret for a confidential client")
	}
	if c.SecretHash == secret {
		t.Fatal("secret must not be stored in plaintext")
	}
	stored, _ := s.GetClient(c.ID)
	if stored.SecretHash == "" {
		t.Fatal("expected stored client to carry a secret hash")
	}
}

func TestRegisterClient_RejectsInvalidRedirectURI(t *testing.T) {
	s := New(testConfig())
	if _, _, err := s.RegisterClient(RegisterOptions{RedirectURIs: []string{"not-a-url"}}); err == nil {
		t.Fatal("expected an error for a non-absolute redirect uri")
	}
}

func TestCreateAuthCode_RequiresCodeChallenge(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	if _, err := s.CreateAuthCode(c.ID, "https://app.example/callback", "", ""); err != ErrMissingChallenge {
		t.Fatalf("err = %v, want ErrMissingChallenge", err)
	}
}

func TestExchangeCode_IsSingleUse(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, err := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	if err != nil {
		t.Fatalf("CreateAuthCode() error = %v", err)
	}

	grant, err := s.ExchangeCode(code, "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("first ExchangeCode() error = %v", err)
	}
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		t.Fatal("expected both access and refresh tokens")
	}

	if _, err := s.ExchangeCode(code, "https://app.example/callback", verifier); err != ErrCodeNotFound {
		t.Fatalf("second exchange err = %v, want ErrCodeNotFound", err)
	}
}

// TestExchangeCode_ConcurrentRedemptionOnlyOneSucceeds exercises the
// invariant that at most one concurrent exchangeCode call on the same
// code can ever succeed.
func TestExchangeCode_ConcurrentRedemptionOnlyOneSucceeds(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, err := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	if err != nil {
		t.Fatalf("CreateAuthCode() error = %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ExchangeCode(code, "https://app.example/callback", verifier); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func TestExchangeCode_RejectsWrongVerifier(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	_, challenge := pkcePair()

	code, err := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	if err != nil {
		t.Fatalf("CreateAuthCode() error = %v", err)
	}

	if _, err := s.ExchangeCode(code, "https://app.example/callback", "wrong-verifier"); err != ErrPKCEFailed {
		t.Fatalf("err = %v, want ErrPKCEFailed", err)
	}
}

func TestExchangeCode_RejectsRedirectMismatch(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, err := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	if err != nil {
		t.Fatalf("CreateAuthCode() error = %v", err)
	}

	if _, err := s.ExchangeCode(code, "https://evil.example/callback", verifier); err != ErrRedirectMismatch {
		t.Fatalf("err = %v, want ErrRedirectMismatch", err)
	}
}

func TestValidateToken_ReturnsBoundKey(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, _ := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	grant, err := s.ExchangeCode(code, "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	v, ok := s.ValidateToken(grant.AccessToken)
	if !ok {
		t.Fatal("expected token to validate")
	}
	if v.APIKey != "pg_testkey1" {
		t.Errorf("APIKey = %q, want pg_testkey1", v.APIKey)
	}
}

func TestValidateToken_ExpiredTokenIsEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.AccessTokenTTL = time.Millisecond
	s := New(cfg)
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, _ := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	grant, err := s.ExchangeCode(code, "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, ok := s.ValidateToken(grant.AccessToken); ok {
		t.Fatal("expected expired token to fail validation")
	}

	s.mu.RLock()
	_, stillPresent := s.tokens[grant.AccessToken]
	s.mu.RUnlock()
	if stillPresent {
		t.Error("expected expired token to be evicted from the map")
	}
}

func TestRefreshAccessToken_RotatesFamilyAndRevokesOldTokens(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, _ := s.CreateAuthCode(c.ID, "https://app.example/callback", "read write", challenge)
	grant, err := s.ExchangeCode(code, "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	newGrant, err := s.RefreshAccessToken(grant.RefreshToken, "")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if newGrant.AccessToken == grant.AccessToken {
		t.Error("expected a new access token")
	}

	if _, ok := s.ValidateToken(grant.AccessToken); ok {
		t.Error("expected the original access token to be revoked by rotation")
	}
	if _, ok := s.ValidateToken(newGrant.AccessToken); !ok {
		t.Error("expected the new access token to validate")
	}
}

func TestRefreshAccessToken_RejectsScopeWidening(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, _ := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	grant, err := s.ExchangeCode(code, "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if _, err := s.RefreshAccessToken(grant.RefreshToken, "read write"); err != ErrScopeWidened {
		t.Fatalf("err = %v, want ErrScopeWidened", err)
	}
}

func TestRevokeToken_CascadesAcrossFamily(t *testing.T) {
	s := New(testConfig())
	c := registerAndBind(t, s, "https://app.example/callback")
	verifier, challenge := pkcePair()

	code, _ := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge)
	grant, err := s.ExchangeCode(code, "https://app.example/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if err := s.RevokeToken(grant.AccessToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	if _, ok := s.ValidateToken(grant.RefreshToken); ok {
		t.Error("expected refresh token to be revoked by family cascade")
	}
}

func TestClientCredentialsGrant_IssuesAccessTokenOnlyForConfidentialClients(t *testing.T) {
	s := New(testConfig())
	c, secret, err := s.RegisterClient(RegisterOptions{
		Name:         "service-client",
		RedirectURIs: []string{"https://app.example/callback"},
		GrantTypes:   []string{"client_credentials"},
		Confidential: true,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if err := s.BindKey(c.ID, "pg_testkey2"); err != nil {
		t.Fatalf("BindKey() error = %v", err)
	}

	grant, err := s.ClientCredentialsGrant(c.ID, secret, "")
	if err != nil {
		t.Fatalf("ClientCredentialsGrant() error = %v", err)
	}
	if grant.RefreshToken != "" {
		t.Error("client-credentials grant must not issue a refresh token")
	}
	if grant.AccessToken == "" {
		t.Fatal("expected an access token")
	}
}

func TestClientCredentialsGrant_RejectsWrongSecret(t *testing.T) {
	s := New(testConfig())
	c, _, err := s.RegisterClient(RegisterOptions{
		RedirectURIs: []string{"https://app.example/callback"},
		Confidential: true,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if err := s.BindKey(c.ID, "pg_testkey3"); err != nil {
		t.Fatalf("BindKey() error = %v", err)
	}

	if _, err := s.ClientCredentialsGrant(c.ID, "wrong-secret", ""); err != ErrInvalidSecret {
		t.Fatalf("err = %v, want ErrInvalidSecret", err)
	}
}

func TestCleanup_RemovesExpiredCodesAndTokens(t *testing.T) {
	cfg := testConfig()
	cfg.AuthorizationCodeTTL = time.Millisecond
	s := New(cfg)
	c := registerAndBind(t, s, "https://app.example/callback")
	_, challenge := pkcePair()

	if _, err := s.CreateAuthCode(c.ID, "https://app.example/callback", "read", challenge); err != nil {
		t.Fatalf("CreateAuthCode() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	removed := s.Cleanup()
	if removed < 1 {
		t.Errorf("Cleanup() removed = %d, want at least 1", removed)
	}
	if len(s.codes) != 0 {
		t.Errorf("codes remaining = %d, want 0", len(s.codes))
	}
}

func TestMetadata_ExposesIssuerAndEndpoints(t *testing.T) {
	s := New(testConfig())
	m := s.Metadata()
	if m.Issuer != "https://paygate.example" {
		t.Errorf("Issuer = %q", m.Issuer)
	}
	if m.TokenEndpoint != "https://paygate.example/oauth/token" {
		t.Errorf("TokenEndpoint = %q", m.TokenEndpoint)
	}
	found := false
	for _, meth := range m.CodeChallengeMethodsSupported {
		if meth == "S256" {
			found = true
		}
	}
	if !found {
		t.Error("expected S256 in CodeChallengeMethodsSupported")
	}
}
