package supabase

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// jwksPath is where GoTrue publishes the project's asymmetric signing keys.
const jwksPath = "/auth/v1/.well-known/jwks.json"

const keySetTTL = 10 * time.Minute

var errUnknownKey = errors.New("supabase: unknown signing key")

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// KeySet verifies RS256 and ES256 access tokens against the project JWKS.
// Keys are cached and refetched when stale or when a token names an
// unknown kid.
type KeySet struct {
	url        string
	anonKey    string
	httpClient *http.Client

	mu      sync.RWMutex
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

func NewKeySet(projectURL, anonKey string, httpClient *http.Client) *KeySet {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		url:        strings.TrimRight(projectURL, "/") + jwksPath,
		anonKey:    anonKey,
		httpClient: httpClient,
		keys:       make(map[string]crypto.PublicKey),
	}
}

func (k *KeySet) Verify(ctx context.Context, token string, now time.Time) (*Claims, error) {
	header, claims, signature, signingInput, err := parseJWT(token)
	if err != nil {
		return nil, err
	}
	if err := k.ensureKeys(ctx); err != nil {
		return nil, err
	}
	key, ok := k.keyFor(header.Kid)
	if !ok {
		if err := k.refresh(ctx); err != nil {
			return nil, err
		}
		if key, ok = k.keyFor(header.Kid); !ok {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, errUnknownKey)
		}
	}

	hashed := sha256.Sum256([]byte(signingInput))
	switch pub := key.(type) {
	case *rsa.PublicKey:
		if header.Alg != "RS256" || rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], signature) != nil {
			return nil, ErrInvalidToken
		}
	case *ecdsa.PublicKey:
		if header.Alg != "ES256" || len(signature) != 64 {
			return nil, ErrInvalidToken
		}
		r := new(big.Int).SetBytes(signature[:32])
		s := new(big.Int).SetBytes(signature[32:])
		if !ecdsa.Verify(pub, hashed[:], r, s) {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}

	if claims.Exp != 0 && now.Unix() > claims.Exp {
		return nil, ErrTokenExpired
	}
	if strings.TrimSpace(claims.Sub) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (k *KeySet) ensureKeys(ctx context.Context) error {
	k.mu.RLock()
	fresh := time.Since(k.fetched) < keySetTTL && len(k.keys) > 0
	k.mu.RUnlock()
	if fresh {
		return nil
	}
	return k.refresh(ctx)
}

func (k *KeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	if k.anonKey != "" {
		req.Header.Set("apikey", k.anonKey)
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("supabase: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("supabase: fetch jwks: status %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("supabase: decode jwks: %w", err)
	}
	keys := make(map[string]crypto.PublicKey)
	for _, key := range set.Keys {
		pub, err := publicKeyFromJWK(key)
		if err != nil {
			continue
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("supabase: jwks has no usable keys")
	}
	k.mu.Lock()
	k.keys = keys
	k.fetched = time.Now()
	k.mu.Unlock()
	return nil
}

func (k *KeySet) keyFor(kid string) (crypto.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.keys[kid]
	return pk, ok
}

func publicKeyFromJWK(j jwk) (crypto.PublicKey, error) {
	switch j.Kty {
	case "RSA":
		nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
		if err != nil {
			return nil, err
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
		if err != nil {
			return nil, err
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 + int(b)
		}
		if e == 0 {
			return nil, errors.New("invalid exponent")
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
	case "EC":
		if j.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve %q", j.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, err
		}
		y, err := base64.RawURLEncoding.DecodeString(j.Y)
		if err != nil {
			return nil, err
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, errors.New("point not on curve")
		}
		return pub, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", j.Kty)
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

func parseJWT(token string) (*tokenHeader, *Claims, []byte, string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, nil, "", ErrInvalidToken
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, "", ErrInvalidToken
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, "", ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, "", ErrInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, nil, nil, "", ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, nil, nil, "", ErrInvalidToken
	}
	return &header, &claims, signature, parts[0] + "." + parts[1], nil
}

// tokenAlg returns the alg header of a JWT, or "" for anything else.
func tokenAlg(token string) string {
	head, _, ok := strings.Cut(token, ".")
	if !ok {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(head)
	if err != nil {
		return ""
	}
	var header tokenHeader
	if json.Unmarshal(raw, &header) != nil {
		return ""
	}
	return header.Alg
}
