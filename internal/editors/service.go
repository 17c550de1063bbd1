// Package editors grants and revokes calendar edit rights and tells remote
// editors about it through the outbox.
package editors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pavillion/internal/domain"
	"pavillion/internal/keys"
	"pavillion/internal/outbox"
	"pavillion/internal/repo"
)

var ErrEditorNotFound = errors.New("editor not found")

type Service struct {
	Keys   *keys.Store
	Repo   repo.Repo
	Relay  outbox.Relay
	Domain string
	Logger *slog.Logger
	Now    func() time.Time
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Editor is a grant joined with the grantee's actor, when known.
type Editor struct {
	Edge  domain.AuthorizationEdge `json:"edge"`
	Actor *domain.Actor            `json:"actor,omitempty"`
}

// Grant gives the actor behind handle edit rights on calendarID. Remote
// grantees are sent an Add activity. Granting twice returns the first edge
// and sends nothing.
func (s Service) Grant(ctx context.Context, calendarID, handle, grantedBy string) (domain.AuthorizationEdge, error) {
	cal, err := s.Repo.GetCalendar(ctx, calendarID)
	if err != nil {
		return domain.AuthorizationEdge{}, fmt.Errorf("calendar %s: %w", calendarID, err)
	}
	calActor, err := s.Keys.CreateCalendarActor(ctx, cal)
	if err != nil {
		return domain.AuthorizationEdge{}, err
	}
	grantee, err := s.Keys.ResolveRemoteActor(ctx, handle)
	if err != nil {
		return domain.AuthorizationEdge{}, fmt.Errorf("resolve %s: %w", handle, err)
	}
	edge := domain.AuthorizationEdge{
		ID:               uuid.NewString(),
		ResourceID:       cal.ID,
		Role:             domain.RoleEditor,
		CalendarActorURI: calActor.ActorURI,
		CalendarInboxURL: calActor.ActorURI + "/inbox",
		CalendarDomain:   s.Domain,
		GrantedBy:        grantedBy,
		GrantedAt:        s.now().UTC().Format(time.RFC3339),
	}
	remote := grantee.Kind == domain.ActorRemote
	if remote {
		edge.ActorID = grantee.ID
	} else {
		edge.AccountID = grantee.AccountID
	}
	inserted, err := s.Repo.InsertEdge(ctx, nil, edge)
	if err != nil {
		return domain.AuthorizationEdge{}, fmt.Errorf("insert edge: %w", err)
	}
	if !inserted {
		return s.findEdge(ctx, cal.ID, grantee)
	}
	s.logger().InfoContext(ctx, "editor granted", "calendar_id", cal.ID, "grantee", grantee.ActorURI, "remote", remote)
	if remote {
		add := s.activity(domain.ActivityAdd, cal, calActor, grantee)
		if err := s.Relay.AddToOutbox(ctx, cal, add); err != nil {
			return edge, fmt.Errorf("enqueue Add: %w", err)
		}
	}
	return edge, nil
}

// Revoke removes the grant for actorID on calendarID. Remote grantees are
// sent a Remove activity.
func (s Service) Revoke(ctx context.Context, calendarID, actorID string) error {
	cal, err := s.Repo.GetCalendar(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("calendar %s: %w", calendarID, err)
	}
	grantee, err := s.Repo.GetActor(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrEditorNotFound
	}
	if err != nil {
		return err
	}
	remote := grantee.Kind == domain.ActorRemote
	var n int64
	if remote {
		n, err = s.Repo.DeleteEdgeForActor(ctx, nil, cal.ID, grantee.ID)
	} else {
		n, err = s.Repo.DeleteEdgeForAccount(ctx, nil, cal.ID, grantee.AccountID)
	}
	if err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	if n == 0 {
		return ErrEditorNotFound
	}
	s.logger().InfoContext(ctx, "editor revoked", "calendar_id", cal.ID, "grantee", grantee.ActorURI)
	if !remote {
		return nil
	}
	calActor, err := s.Keys.CreateCalendarActor(ctx, cal)
	if err != nil {
		return err
	}
	if err := s.Relay.AddToOutbox(ctx, cal, s.activity(domain.ActivityRemove, cal, calActor, grantee)); err != nil {
		return fmt.Errorf("enqueue Remove: %w", err)
	}
	return nil
}

// List returns every grant on calendarID with the grantee actor attached.
func (s Service) List(ctx context.Context, calendarID string) ([]Editor, error) {
	edges, err := s.Repo.ListEdgesForResource(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	out := make([]Editor, 0, len(edges))
	for _, e := range edges {
		var a domain.Actor
		if e.ActorID != "" {
			a, err = s.Repo.GetActor(ctx, e.ActorID)
		} else {
			a, err = s.Repo.GetActorByAccountID(ctx, e.AccountID)
		}
		switch {
		case err == nil:
			a.PrivateKeyPEM = ""
			out = append(out, Editor{Edge: e, Actor: &a})
		case errors.Is(err, repo.ErrNotFound):
			out = append(out, Editor{Edge: e})
		default:
			return nil, err
		}
	}
	return out, nil
}

func (s Service) findEdge(ctx context.Context, calendarID string, grantee domain.Actor) (domain.AuthorizationEdge, error) {
	if grantee.Kind == domain.ActorRemote {
		return s.Repo.FindEdgeForActor(ctx, nil, calendarID, grantee.ID)
	}
	return s.Repo.FindEdgeForAccount(ctx, nil, calendarID, grantee.AccountID)
}

// activity builds the Add or Remove a remote inbox processor reads: the
// grantee is the object and the calendar is the target.
func (s Service) activity(typ string, cal domain.Calendar, calActor, grantee domain.Actor) domain.Activity {
	inbox := calActor.ActorURI + "/inbox"
	return domain.Activity{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://" + s.Domain + "/activities/" + uuid.NewString(),
		"type":     typ,
		"actor":    calActor.ActorURI,
		"object":   grantee.ActorURI,
		"target": map[string]any{
			"id":    calActor.ActorURI,
			"type":  "Group",
			"inbox": inbox,
		},
		"to":               []any{grantee.ActorURI},
		"calendarId":       cal.ID,
		"calendarInboxUrl": inbox,
	}
}
