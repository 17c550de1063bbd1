package domain

import (
	"context"
	"log/slog"
)

// RejectionType classifies why an inbound request or activity was refused.
type RejectionType string

const (
	RejectUnknownActor       RejectionType = "unknown_actor"
	RejectLookupFailed       RejectionType = "lookup_failed"
	RejectSignatureMissing   RejectionType = "signature_missing"
	RejectSignatureMalformed RejectionType = "signature_malformed"
	RejectSignatureInvalid   RejectionType = "signature_invalid"
	RejectSignatureExpired   RejectionType = "signature_expired"
	RejectDigestMismatch     RejectionType = "digest_mismatch"
	RejectMissingField       RejectionType = "missing_field"
	RejectObjectMismatch     RejectionType = "object_mismatch"
	RejectUnsafeURL          RejectionType = "unsafe_url"
	RejectStorage            RejectionType = "storage_error"
)

// LogRejection writes a warning with the fields operators alert on. Callers
// must not pass key material or signature values in attrs.
func LogRejection(ctx context.Context, logger *slog.Logger, kind RejectionType, actorURI, reason string, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]any{"rejection_type", string(kind), "actor_uri", actorURI, "reason", reason}, attrs...)
	logger.WarnContext(ctx, "rejected", args...)
}
