package httpsig

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pavillion/internal/domain"
)

// Signer signs outgoing requests with a local actor's private key. It holds
// no per-actor state and is safe for concurrent use.
type Signer struct {
	Actors ActorLookup
	Now    func() time.Time

	cache keyCache
}

func NewSigner(actors ActorLookup) *Signer {
	return &Signer{Actors: actors, Now: time.Now}
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SignActivity produces the signature a POST of activity to targetURL must
// carry. The signing string covers (request-target), host and date.
func (s *Signer) SignActivity(ctx context.Context, actorURI string, activity domain.Activity, targetURL string) (domain.HTTPSignature, error) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return domain.HTTPSignature{}, fmt.Errorf("invalid target url %q", targetURL)
	}
	date := s.now().UTC().Format(http.TimeFormat)
	values := map[string]string{"host": u.Host, "date": date}
	sig, err := s.sign(ctx, actorURI, http.MethodPost, u.RequestURI(), []string{requestTarget, "host", "date"}, values)
	if err != nil {
		return domain.HTTPSignature{}, err
	}
	sig.Date = date
	if activity != nil {
		body, err := activity.Marshal()
		if err != nil {
			return domain.HTTPSignature{}, fmt.Errorf("marshal activity: %w", err)
		}
		sig.Digest = DigestHeader(body)
	}
	return sig, nil
}

// SignRequest signs req in place, covering (request-target), host, date and,
// when body is non-nil, a SHA-256 Digest of body.
func (s *Signer) SignRequest(ctx context.Context, actorURI string, req *http.Request, body []byte) (domain.HTTPSignature, error) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	date := s.now().UTC().Format(http.TimeFormat)
	values := map[string]string{"host": host, "date": date}
	names := []string{requestTarget, "host", "date"}
	var digest string
	if body != nil {
		digest = DigestHeader(body)
		values["digest"] = digest
		names = append(names, "digest")
	}
	sig, err := s.sign(ctx, actorURI, req.Method, req.URL.RequestURI(), names, values)
	if err != nil {
		return domain.HTTPSignature{}, err
	}
	sig.Date = date
	sig.Digest = digest
	Apply(req, sig)
	return sig, nil
}

func (s *Signer) sign(ctx context.Context, actorURI, method, path string, names []string, values map[string]string) (domain.HTTPSignature, error) {
	actor, err := s.Actors.GetActorByURI(ctx, actorURI)
	if err != nil {
		return domain.HTTPSignature{}, fmt.Errorf("look up actor %s: %w", actorURI, err)
	}
	if actor == nil {
		return domain.HTTPSignature{}, fmt.Errorf("%w: %s", ErrActorNotFound, actorURI)
	}
	if !actor.HasPrivateKey() {
		return domain.HTTPSignature{}, fmt.Errorf("%w: %s", ErrNoPrivateKey, actorURI)
	}
	key, err := s.cache.privateKey(actor.PrivateKeyPEM)
	if err != nil {
		return domain.HTTPSignature{}, fmt.Errorf("actor %s private key: %w", actorURI, err)
	}
	signing, err := SigningString(names, method, path, func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	})
	if err != nil {
		return domain.HTTPSignature{}, err
	}
	signature, err := signString(key, signing)
	if err != nil {
		return domain.HTTPSignature{}, fmt.Errorf("sign: %w", err)
	}
	return domain.HTTPSignature{
		KeyID:     actor.KeyID(),
		Signature: signature,
		Algorithm: AlgorithmRSASHA256,
		Headers:   strings.Join(names, " "),
	}, nil
}

// Apply sets the Signature, Date and (when present) Digest headers on req.
func Apply(req *http.Request, sig domain.HTTPSignature) {
	req.Header.Set("Signature", Header(sig))
	req.Header.Set("Date", sig.Date)
	if sig.Digest != "" {
		req.Header.Set("Digest", sig.Digest)
	}
}
