package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pavillion/internal/app"
	"pavillion/internal/domain"
	"pavillion/internal/httpsig"
	"pavillion/internal/inbox"
	"pavillion/internal/keys"
)

const (
	activityJSON = "application/activity+json"
	jrdJSON      = "application/jrd+json"
	maxInboxBody = 1 << 20
)

func registerFederation(r chi.Router, a *app.App) {
	f := federation{app: a}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, "application/json", map[string]string{"status": "ok"})
	})
	r.Get("/.well-known/webfinger", f.webfinger)
	r.Get("/users/{username}", f.userActor)
	r.Get("/calendars/{url_name}", f.calendarActor)
	r.Post("/users/{username}/inbox", f.inbox)
}

type federation struct {
	app *app.App
}

func writeJSON(w http.ResponseWriter, status int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f federation) fail(w http.ResponseWriter, status int, msg string) {
	respondStatusError(w, newAPIError(status, "", msg, nil))
}

func (f federation) webfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	user, host, ok := keys.SplitHandle(resource)
	if !ok || !strings.HasPrefix(resource, "acct:") {
		f.fail(w, http.StatusBadRequest, "resource must be acct:user@host")
		return
	}
	domainName := f.app.Config.Federation.Domain
	if !strings.EqualFold(host, domainName) {
		f.fail(w, http.StatusNotFound, "unknown host")
		return
	}
	ctx := r.Context()
	actor, err := f.app.Keys.GetActorByUsername(ctx, user)
	if err == nil && actor == nil {
		if cal, calErr := f.app.Repo.GetCalendarByURLName(ctx, user); calErr == nil {
			actor, err = f.app.Keys.GetActorByCalendarID(ctx, cal.ID)
		}
	}
	if err != nil {
		f.fail(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if actor == nil {
		f.fail(w, http.StatusNotFound, "no such actor")
		return
	}
	writeJSON(w, http.StatusOK, jrdJSON, keys.WebFingerFor(*actor, domainName))
}

func (f federation) userActor(w http.ResponseWriter, r *http.Request) {
	actor, err := f.app.Keys.GetActorByUsername(r.Context(), chi.URLParam(r, "username"))
	f.writeActor(w, actor, err)
}

func (f federation) calendarActor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cal, err := f.app.Repo.GetCalendarByURLName(ctx, chi.URLParam(r, "url_name"))
	if err != nil {
		f.writeActor(w, nil, nil)
		return
	}
	actor, err := f.app.Keys.GetActorByCalendarID(ctx, cal.ID)
	f.writeActor(w, actor, err)
}

func (f federation) writeActor(w http.ResponseWriter, actor *domain.Actor, err error) {
	if err != nil {
		f.fail(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if actor == nil {
		f.fail(w, http.StatusNotFound, "no such actor")
		return
	}
	writeJSON(w, http.StatusOK, activityJSON, keys.Document(*actor))
}

// inbox authenticates the sender by HTTP signature, then applies the
// activity to the addressed local user.
func (f federation) inbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := f.app.Logger
	username := chi.URLParam(r, "username")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody+1))
	if err != nil || len(body) > maxInboxBody {
		f.fail(w, http.StatusBadRequest, "unreadable body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	activity, err := domain.ParseActivity(body)
	if err != nil {
		f.fail(w, http.StatusBadRequest, "body is not an activity")
		return
	}

	params, err := httpsig.ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil || params.KeyID() == "" {
		domain.LogRejection(ctx, log, domain.RejectSignatureMissing, activity.Actor(), "missing or malformed Signature header", "username", username)
		f.fail(w, http.StatusUnauthorized, "signature required")
		return
	}
	signer := httpsig.KeyOwner(params.KeyID())
	known, err := f.app.Keys.GetActorByURI(ctx, signer)
	if err == nil && known == nil {
		if _, fetchErr := f.app.Keys.FetchRemoteActorByURI(ctx, signer); fetchErr != nil {
			domain.LogRejection(ctx, log, domain.RejectUnknownActor, signer, fetchErr.Error(), "username", username)
			f.fail(w, http.StatusUnauthorized, "unknown signer")
			return
		}
	}
	verified := f.app.Verifier.VerifySignature(ctx, r, signer)
	if !verified && known != nil && known.Kind == domain.ActorRemote {
		// The stored key may predate a rotation.
		if _, err := f.app.Keys.RefreshRemoteActor(ctx, signer); err != nil {
			log.DebugContext(ctx, "inbox: signer not refreshed", "actor_uri", signer, "error", err)
		} else {
			verified = f.app.Verifier.VerifySignature(ctx, r, signer)
		}
	}
	if !verified {
		f.fail(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if activity.Actor() != signer {
		domain.LogRejection(ctx, log, domain.RejectObjectMismatch, signer, "activity actor is not the signer", "activity_actor", activity.Actor())
		f.fail(w, http.StatusUnauthorized, "activity actor is not the signer")
		return
	}

	ok, err := f.app.Inbox.Process(ctx, username, activity)
	switch {
	case errors.Is(err, inbox.ErrUnsupportedActivity):
		log.InfoContext(ctx, "inbox: activity ignored", "type", activity.Type(), "actor_uri", signer, "username", username)
		w.WriteHeader(http.StatusAccepted)
	case err != nil:
		f.fail(w, http.StatusInternalServerError, "processing failed")
	case !ok:
		f.fail(w, http.StatusBadRequest, "activity rejected")
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}
