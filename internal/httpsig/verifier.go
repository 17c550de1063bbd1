package httpsig

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pavillion/internal/domain"
)

// maxVerifyBody caps how much of a request body is read for Digest checks.
const maxVerifyBody = 1 << 20

// Verifier checks Signature headers on incoming requests.
type Verifier struct {
	Actors ActorLookup
	Logger *slog.Logger
	// MaxClockSkew rejects requests whose Date is further than this from now.
	// Zero disables the check.
	MaxClockSkew time.Duration
	Now          func() time.Time

	cache keyCache
}

func NewVerifier(actors ActorLookup, logger *slog.Logger) *Verifier {
	return &Verifier{Actors: actors, Logger: logger, Now: time.Now}
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// VerifySignature reports whether req carries a valid signature by the actor
// at actorURI. It never returns an error: every failure is logged and
// reported as false.
func (v *Verifier) VerifySignature(ctx context.Context, req *http.Request, actorURI string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			domain.LogRejection(ctx, v.logger(), domain.RejectSignatureInvalid, actorURI, fmt.Sprintf("panic during verification: %v", r))
			ok = false
		}
	}()
	kind, reason := v.verify(ctx, req, actorURI)
	if kind != "" {
		domain.LogRejection(ctx, v.logger(), kind, actorURI, reason, "method", req.Method, "path", req.URL.Path)
		return false
	}
	return true
}

func (v *Verifier) verify(ctx context.Context, req *http.Request, actorURI string) (domain.RejectionType, string) {
	actor, err := v.Actors.GetActorByURI(ctx, actorURI)
	if err != nil {
		return domain.RejectLookupFailed, "actor lookup failed: " + err.Error()
	}
	if actor == nil {
		return domain.RejectUnknownActor, "actor not found"
	}
	header := req.Header.Get("Signature")
	if header == "" {
		return domain.RejectSignatureMissing, "missing Signature header"
	}
	date := req.Header.Get("Date")
	if date == "" {
		return domain.RejectSignatureMissing, "missing Date header"
	}
	params, err := ParseSignatureHeader(header)
	if err != nil {
		return domain.RejectSignatureMalformed, err.Error()
	}
	if params.Signature() == "" {
		return domain.RejectSignatureMalformed, "signature value absent"
	}
	switch strings.ToLower(params.Algorithm()) {
	case "", AlgorithmRSASHA256, algorithmHS2019:
	default:
		return domain.RejectSignatureMalformed, "unsupported algorithm " + params.Algorithm()
	}
	if v.MaxClockSkew > 0 {
		t, err := http.ParseTime(date)
		if err != nil {
			return domain.RejectSignatureMalformed, "unparseable Date header"
		}
		if d := v.now().Sub(t); d > v.MaxClockSkew || d < -v.MaxClockSkew {
			return domain.RejectSignatureExpired, fmt.Sprintf("date skew %s exceeds %s", d.Round(time.Second), v.MaxClockSkew)
		}
	}
	names := params.Headers()
	signing, err := SigningString(names, req.Method, requestPath(req), func(name string) (string, bool) {
		return headerValue(req, name)
	})
	if err != nil {
		return domain.RejectSignatureMalformed, err.Error()
	}
	for _, n := range names {
		if n == "digest" {
			if reason := checkDigest(req); reason != "" {
				return domain.RejectDigestMismatch, reason
			}
		}
	}
	key, err := v.cache.publicKey(actor.PublicKeyPEM)
	if err != nil {
		return domain.RejectLookupFailed, "stored public key unusable: " + err.Error()
	}
	if err := verifyString(key, signing, params.Signature()); err != nil {
		return domain.RejectSignatureInvalid, "signature does not match"
	}
	return "", ""
}

// requestPath returns the path and query exactly as the client sent them.
func requestPath(req *http.Request) string {
	if strings.HasPrefix(req.RequestURI, "/") {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}

// headerValue returns a header as it appeared on the wire. Go moves Host out
// of the header map, so it is read from req.Host.
func headerValue(req *http.Request, name string) (string, bool) {
	if name == "host" {
		if h := req.Header.Get("Host"); h != "" {
			return h, true
		}
		if req.Host != "" {
			return req.Host, true
		}
		return req.URL.Host, req.URL.Host != ""
	}
	vals := req.Header.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	trimmed := make([]string, len(vals))
	for i, v := range vals {
		trimmed[i] = strings.TrimSpace(v)
	}
	return strings.Join(trimmed, ", "), true
}

// checkDigest compares the Digest header with the body and restores the body
// for later readers.
func checkDigest(req *http.Request) string {
	if req.Body == nil {
		return "digest signed but request has no body"
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxVerifyBody+1))
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return "read body: " + err.Error()
	}
	if len(body) > maxVerifyBody {
		return "body too large for digest check"
	}
	want := DigestHeader(body)
	for _, part := range strings.Split(req.Header.Get("Digest"), ",") {
		part = strings.TrimSpace(part)
		if len(part) > 8 && strings.EqualFold(part[:8], "SHA-256=") && part[8:] == want[8:] {
			return ""
		}
	}
	return "digest does not match body"
}
