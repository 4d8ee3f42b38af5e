package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// rsaPublicKeyToJWK converts an RSA private key to a JWKSKey for testing.
func rsaPublicKeyToJWK(privateKey *rsa.PrivateKey, kid string) JWKSKey {
	pub := &privateKey.PublicKey
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return k
}

func jwksServer(t *testing.T, fetches *int32, keys func(n int32) []JWKSKey) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSResponse{Keys: keys(n)})
	}))
	t.Cleanup(s.Close)
	return s
}

func TestJWKSCache_FetchAndCache(t *testing.T) {
	key := genKey(t)
	var fetches int32
	server := jwksServer(t, &fetches, func(int32) []JWKSKey {
		return []JWKSKey{rsaPublicKeyToJWK(key, "k1"), {Kty: "EC", Kid: "ec"}}
	})
	cache := NewJWKSCache(server.URL, 10*time.Minute)

	got, err := cache.GetKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 || got.E != key.PublicKey.E {
		t.Error("fetched key does not match original")
	}
	if _, err := cache.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error on cache hit: %v", err)
	}
	if fetches != 1 {
		t.Errorf("expected 1 fetch, got %d", fetches)
	}
	if _, err := cache.GetKey(context.Background(), "ec"); err == nil {
		t.Error("non-RSA keys must be ignored")
	}
}

func TestJWKSCache_KeyRotation(t *testing.T) {
	k1, k2 := genKey(t), genKey(t)
	var fetches int32
	server := jwksServer(t, &fetches, func(n int32) []JWKSKey {
		if n == 1 {
			return []JWKSKey{rsaPublicKeyToJWK(k1, "k1")}
		}
		return []JWKSKey{rsaPublicKeyToJWK(k1, "k1"), rsaPublicKeyToJWK(k2, "k2")}
	})
	cache := NewJWKSCache(server.URL, 10*time.Minute)

	if _, err := cache.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Unknown kid forces a refetch even within the TTL.
	got, err := cache.GetKey(context.Background(), "k2")
	if err != nil {
		t.Fatalf("unexpected error after rotation: %v", err)
	}
	if got.N.Cmp(k2.PublicKey.N) != 0 {
		t.Error("rotated key modulus does not match")
	}
	if fetches != 2 {
		t.Errorf("expected 2 fetches, got %d", fetches)
	}
}

func TestJWKSCache_TTLExpiry(t *testing.T) {
	key := genKey(t)
	var fetches int32
	server := jwksServer(t, &fetches, func(int32) []JWKSKey { return []JWKSKey{rsaPublicKeyToJWK(key, "k")} })
	cache := NewJWKSCache(server.URL, time.Millisecond)

	cache.GetKey(context.Background(), "k")
	time.Sleep(5 * time.Millisecond)
	cache.GetKey(context.Background(), "k")

	if fetches < 2 {
		t.Errorf("expected refetch after TTL expiry, got %d fetches", fetches)
	}
}

func TestJWKSCache_ConcurrentMissesShareFetch(t *testing.T) {
	key := genKey(t)
	var fetches int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		<-release
		json.NewEncoder(w).Encode(JWKSResponse{Keys: []JWKSKey{rsaPublicKeyToJWK(key, "k")}})
	}))
	defer server.Close()
	cache := NewJWKSCache(server.URL, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetKey(context.Background(), "k"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("expected concurrent misses to share 1 fetch, got %d", n)
	}
}

func TestJWKSCache_Errors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if _, err := NewJWKSCache(failing.URL, time.Minute).GetKey(context.Background(), "any"); err == nil {
		t.Error("expected error for server error response")
	}

	key := genKey(t)
	var fetches int32
	server := jwksServer(t, &fetches, func(int32) []JWKSKey { return []JWKSKey{rsaPublicKeyToJWK(key, "present")} })
	if _, err := NewJWKSCache(server.URL, time.Minute).GetKey(context.Background(), "absent"); err == nil {
		t.Error("expected error for unknown kid")
	}
}

func TestParseRSAPublicKey(t *testing.T) {
	key := genKey(t)
	pub, err := parseRSAPublicKey(rsaPublicKeyToJWK(key, "p"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.N.Cmp(key.PublicKey.N) != 0 || pub.E != key.PublicKey.E {
		t.Error("parsed key does not match original")
	}

	bad := []JWKSKey{
		{Kty: "RSA", N: "!!!", E: "AQAB"},
		{Kty: "RSA", N: base64.RawURLEncoding.EncodeToString(big.NewInt(12345).Bytes()), E: "!!!"},
		{Kty: "RSA", N: "", E: "AQAB"},
	}
	for i, k := range bad {
		if _, err := parseRSAPublicKey(k); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestKeyFunc_NoKidHeader(t *testing.T) {
	keyFunc := NewJWKSCache("http://127.0.0.1:1", time.Minute).KeyFunc(context.Background())
	_, err := keyFunc(&jwt.Token{Header: map[string]interface{}{}})
	if err == nil || err.Error() != "token has no kid header" {
		t.Fatalf("expected kid error, got %v", err)
	}
}
