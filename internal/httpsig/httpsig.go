// Package httpsig signs and verifies ActivityPub requests using the
// draft-cavage HTTP Signatures scheme with rsa-sha256.
package httpsig

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"pavillion/internal/domain"
	"pavillion/internal/keys"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	algorithmHS2019    = "hs2019"
	requestTarget      = "(request-target)"
)

var (
	ErrActorNotFound = errors.New("actor not found")
	ErrNoPrivateKey  = errors.New("actor has no private key")
	ErrMissingHeader = errors.New("signed header missing from request")
)

// ActorLookup resolves actors by URI. *keys.Store satisfies it.
type ActorLookup interface {
	GetActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
}

// SigningString joins "name: value" lines for each header in order. The
// (request-target) pseudo-header is "{method} {path}" with a lowercased
// method. value returns the request's header value and whether it exists.
func SigningString(headers []string, method, path string, value func(name string) (string, bool)) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h)
		if name == requestTarget {
			lines = append(lines, requestTarget+": "+strings.ToLower(method)+" "+path)
			continue
		}
		v, ok := value(name)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingHeader, name)
		}
		lines = append(lines, name+": "+v)
	}
	return strings.Join(lines, "\n"), nil
}

// KeyOwner strips the fragment or trailing key path from a keyId to recover
// the owning actor URI.
func KeyOwner(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	for _, suffix := range []string{"/main-key", "/publickey", "/public-key"} {
		if strings.HasSuffix(strings.ToLower(keyID), suffix) {
			return keyID[:len(keyID)-len(suffix)]
		}
	}
	return keyID
}

// Header renders the Signature header value.
func Header(sig domain.HTTPSignature) string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		sig.KeyID, sig.Algorithm, sig.Headers, sig.Signature)
}

// DigestHeader returns the SHA-256 Digest header value for body.
func DigestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// keyCache holds parsed keys keyed by their PEM text. Keys never change once
// stored, so entries never need invalidation.
type keyCache struct {
	private sync.Map
	public  sync.Map
}

func (c *keyCache) privateKey(pemText string) (*rsa.PrivateKey, error) {
	if k, ok := c.private.Load(pemText); ok {
		return k.(*rsa.PrivateKey), nil
	}
	k, err := keys.ParsePrivateKey(pemText)
	if err != nil {
		return nil, err
	}
	c.private.Store(pemText, k)
	return k, nil
}

func (c *keyCache) publicKey(pemText string) (*rsa.PublicKey, error) {
	if k, ok := c.public.Load(pemText); ok {
		return k.(*rsa.PublicKey), nil
	}
	k, err := keys.ParsePublicKey(pemText)
	if err != nil {
		return nil, err
	}
	c.public.Store(pemText, k)
	return k, nil
}

func signString(key *rsa.PrivateKey, s string) (string, error) {
	sum := sha256.Sum256([]byte(s))
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, sum[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func verifyString(key *rsa.PublicKey, s, signature string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sum := sha256.Sum256([]byte(s))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], raw)
}
