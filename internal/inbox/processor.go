// Package inbox applies Add and Remove activities that grant or revoke a
// local account's edit rights on a calendar.
package inbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pavillion/internal/domain"
	"pavillion/internal/repo"
)

var ErrUnsupportedActivity = errors.New("unsupported activity type")

// ActorLookup resolves local user actors. *keys.Store satisfies it.
type ActorLookup interface {
	GetActorByUsername(ctx context.Context, username string) (*domain.Actor, error)
}

type Processor struct {
	Actors ActorLookup
	Repo   repo.Repo
	Logger *slog.Logger
	Now    func() time.Time
}

func (p Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Process dispatches activity by type. Types other than Add and Remove
// return ErrUnsupportedActivity.
func (p Processor) Process(ctx context.Context, username string, activity domain.Activity) (bool, error) {
	switch activity.Type() {
	case domain.ActivityAdd:
		return p.ProcessAddActivity(ctx, username, activity), nil
	case domain.ActivityRemove:
		return p.ProcessRemoveActivity(ctx, username, activity), nil
	}
	return false, ErrUnsupportedActivity
}

// calendarRef is what an Add or Remove says about the calendar granting
// access. The calendar is always the signed actor.
type calendarRef struct {
	actorURI string
	id       string
	inboxURL string
}

func extractCalendar(activity domain.Activity) calendarRef {
	target := activity.Embedded("target")
	ref := calendarRef{
		actorURI: activity.Actor(),
		id:       activity.String("calendarId"),
		inboxURL: activity.String("calendarInboxUrl"),
	}
	if ref.id == "" {
		ref.id = target.String("calendarId")
	}
	if ref.inboxURL == "" {
		ref.inboxURL = target.String("calendarInboxUrl")
	}
	if ref.inboxURL == "" {
		ref.inboxURL = target.String("inbox")
	}
	return ref
}

// checkTarget rejects an activity whose target names a calendar other than
// its actor. A calendar may only grant or revoke access to itself.
func (p Processor) checkTarget(ctx context.Context, activity domain.Activity) bool {
	if target := activity.Target(); target != "" && target != activity.Actor() {
		return p.reject(ctx, domain.RejectObjectMismatch, activity, "target is not the sending calendar",
			"target", target, "expected", activity.Actor())
	}
	return true
}

func (p Processor) reject(ctx context.Context, kind domain.RejectionType, activity domain.Activity, reason string, attrs ...any) bool {
	attrs = append(attrs, "activity_type", activity.Type(), "activity_id", activity.ID())
	domain.LogRejection(ctx, p.logger(), kind, activity.Actor(), reason, attrs...)
	return false
}

// subject resolves the local actor and account the activity is addressed to.
func (p Processor) subject(ctx context.Context, username string, activity domain.Activity, checkObject bool) (*domain.Actor, domain.Account, bool) {
	actor, err := p.Actors.GetActorByUsername(ctx, username)
	if err != nil {
		return nil, domain.Account{}, p.reject(ctx, domain.RejectLookupFailed, activity, err.Error(), "username", username)
	}
	if actor == nil {
		return nil, domain.Account{}, p.reject(ctx, domain.RejectUnknownActor, activity, "no local actor for username", "username", username)
	}
	if checkObject && activity.Object() != actor.ActorURI {
		return nil, domain.Account{}, p.reject(ctx, domain.RejectObjectMismatch, activity, "object is not the addressed actor",
			"username", username, "object", activity.Object(), "expected", actor.ActorURI)
	}
	account, err := p.Repo.GetAccountByUsername(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, domain.Account{}, p.reject(ctx, domain.RejectUnknownActor, activity, "no local account for username", "username", username)
	}
	if err != nil {
		return nil, domain.Account{}, p.reject(ctx, domain.RejectLookupFailed, activity, err.Error(), "username", username)
	}
	return actor, account, true
}

// ProcessAddActivity grants the account behind username edit rights on the
// calendar named in activity. A grant that already exists is success.
func (p Processor) ProcessAddActivity(ctx context.Context, username string, activity domain.Activity) bool {
	if activity.Type() != domain.ActivityAdd {
		return p.reject(ctx, domain.RejectMissingField, activity, "expected Add activity")
	}
	_, account, ok := p.subject(ctx, username, activity, true)
	if !ok {
		return false
	}
	cal := extractCalendar(activity)
	if cal.actorURI == "" {
		return p.reject(ctx, domain.RejectMissingField, activity, "calendar actor uri missing")
	}
	if !p.checkTarget(ctx, activity) {
		return false
	}
	if cal.id == "" {
		return p.reject(ctx, domain.RejectMissingField, activity, "calendarId missing")
	}
	log := p.logger().With("username", username, "calendar_id", cal.id, "calendar_actor_uri", cal.actorURI)

	tx, err := p.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return p.reject(ctx, domain.RejectStorage, activity, err.Error())
	}
	defer tx.Rollback()

	_, err = p.Repo.FindEdgeForAccount(ctx, tx, cal.id, account.ID)
	if err == nil {
		log.InfoContext(ctx, "inbox: editor access already granted")
		return true
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return p.reject(ctx, domain.RejectStorage, activity, err.Error())
	}
	inserted, err := p.Repo.InsertEdge(ctx, tx, domain.AuthorizationEdge{
		ID:               uuid.NewString(),
		ResourceID:       cal.id,
		AccountID:        account.ID,
		Role:             domain.RoleEditor,
		CalendarActorURI: cal.actorURI,
		CalendarInboxURL: cal.inboxURL,
		CalendarDomain:   domain.HostOf(cal.actorURI),
		GrantedBy:        activity.Actor(),
		GrantedAt:        p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return p.reject(ctx, domain.RejectStorage, activity, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return p.reject(ctx, domain.RejectStorage, activity, err.Error())
	}
	if inserted {
		log.InfoContext(ctx, "inbox: editor access granted")
	} else {
		log.InfoContext(ctx, "inbox: editor access granted concurrently")
	}
	return true
}

// ProcessRemoveActivity revokes the grant named in activity. Removing a grant
// that does not exist is success; a grant issued by a different calendar
// is left alone.
func (p Processor) ProcessRemoveActivity(ctx context.Context, username string, activity domain.Activity) bool {
	if activity.Type() != domain.ActivityRemove {
		return p.reject(ctx, domain.RejectMissingField, activity, "expected Remove activity")
	}
	_, account, ok := p.subject(ctx, username, activity, false)
	if !ok {
		return false
	}
	cal := extractCalendar(activity)
	if cal.actorURI == "" {
		return p.reject(ctx, domain.RejectMissingField, activity, "calendar actor uri missing")
	}
	if !p.checkTarget(ctx, activity) {
		return false
	}
	if cal.id == "" {
		return p.reject(ctx, domain.RejectMissingField, activity, "calendarId missing")
	}
	edge, err := p.Repo.FindEdgeForAccount(ctx, nil, cal.id, account.ID)
	if errors.Is(err, repo.ErrNotFound) {
		p.logger().InfoContext(ctx, "inbox: editor access removed", "username", username, "calendar_id", cal.id, "deleted", 0)
		return true
	}
	if err != nil {
		return p.reject(ctx, domain.RejectStorage, activity, err.Error())
	}
	if edge.CalendarActorURI != cal.actorURI {
		return p.reject(ctx, domain.RejectObjectMismatch, activity, "grant was issued by another calendar",
			"calendar_id", cal.id, "calendar_actor_uri", edge.CalendarActorURI)
	}
	n, err := p.Repo.DeleteEdgeForAccountFromCalendar(ctx, nil, cal.id, account.ID, cal.actorURI)
	if err != nil {
		return p.reject(ctx, domain.RejectStorage, activity, err.Error())
	}
	p.logger().InfoContext(ctx, "inbox: editor access removed", "username", username, "calendar_id", cal.id, "deleted", n)
	return true
}
