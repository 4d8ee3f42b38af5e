package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscoverOIDC(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/ehr/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":   "https://idp.example.com/realms/ehr",
			"jwks_uri": "https://idp.example.com/realms/ehr/certs",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	}))
	defer server.Close()

	p, err := DiscoverOIDC(context.Background(), server.URL+"/realms/ehr/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.JWKSURI != "https://idp.example.com/realms/ehr/certs" {
		t.Errorf("unexpected jwks_uri %s", p.JWKSURI)
	}
	if len(p.IDTokenSigningAlgValues) != 1 {
		t.Errorf("expected 1 signing alg, got %v", p.IDTokenSigningAlgValues)
	}
}

func TestDiscoverOIDC_Errors(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer notFound.Close()
	if _, err := DiscoverOIDC(context.Background(), notFound.URL); err == nil {
		t.Error("expected error for 404 discovery")
	}

	noJWKS := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
	}))
	defer noJWKS.Close()
	if _, err := DiscoverOIDC(context.Background(), noJWKS.URL); err == nil {
		t.Error("expected error for missing jwks_uri")
	}

	if _, err := DiscoverOIDC(context.Background(), "http://127.0.0.1:1"); err == nil {
		t.Error("expected error for unreachable issuer")
	}
}
