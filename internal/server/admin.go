package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pavillion/internal/app"
	"pavillion/internal/domain"
)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerActors(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-account-actor",
		Method:        http.MethodPost,
		Path:          "/accounts/{id}/actor",
		Summary:       "Create or return the actor of an account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		acct, err := a.Repo.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		actor, err := a.Keys.CreateActor(ctx, acct)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-calendar-actor",
		Method:        http.MethodPost,
		Path:          "/calendars/{id}/actor",
		Summary:       "Create or return the actor of a calendar",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		cal, err := a.Repo.GetCalendar(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		actor, err := a.Keys.CreateCalendarActor(ctx, cal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind" enum:"local,remote"`
	}) (*struct {
		Body []ActorResponse `json:"body"`
	}, error) {
		actors, err := a.Repo.ListActors(ctx, domain.ActorKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ActorResponse, 0, len(actors))
		for _, actor := range actors {
			out = append(out, actorResponse(actor))
		}
		return &struct {
			Body []ActorResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEditors(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-editor",
		Method:        http.MethodPost,
		Path:          "/calendars/{id}/editors",
		Summary:       "Grant edit rights to a local or remote actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body GrantEditorRequest
	}) (*struct {
		Body domain.AuthorizationEdge `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Handle == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "handle is required", nil)
		}
		edge, err := a.Editors.Grant(ctx, input.ID, input.Body.Handle, subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuthorizationEdge `json:"body"`
		}{Body: edge}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-editors",
		Method:      http.MethodGet,
		Path:        "/calendars/{id}/editors",
		Summary:     "List editors of a calendar",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EditorResponse `json:"body"`
	}, error) {
		items, err := a.Editors.List(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EditorResponse `json:"body"`
		}{Body: editorResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-editor",
		Method:        http.MethodDelete,
		Path:          "/calendars/{id}/editors/{actor_id}",
		Summary:       "Revoke edit rights",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		if err := a.Editors.Revoke(ctx, input.ID, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOutbox(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-activity",
		Method:        http.MethodPost,
		Path:          "/calendars/{id}/outbox",
		Summary:       "Append an activity to a calendar's outbox",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body EnqueueRequest
	}) (*struct {
		Body EnqueueResponse `json:"body"`
	}, error) {
		cal, err := a.Repo.GetCalendar(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		activity := domain.Activity(input.Body.Activity)
		if activity.Actor() != domain.CalendarActorURL(a.Config.Federation.Domain, cal.URLName) {
			return &struct {
				Body EnqueueResponse `json:"body"`
			}{Body: EnqueueResponse{Accepted: false}}, nil
		}
		if err := a.Relay.AddToOutbox(ctx, cal, activity); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueResponse `json:"body"`
		}{Body: EnqueueResponse{Accepted: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "List recent outbox messages with delivery state",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CalendarID string `query:"calendar_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []OutboxMessageResponse `json:"body"`
	}, error) {
		msgs, err := a.Repo.ListOutboxMessages(ctx, input.CalendarID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OutboxMessageResponse, 0, len(msgs))
		for _, m := range msgs {
			ds, err := a.Repo.DeliveriesForMessage(ctx, m.ID)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, OutboxMessageResponse{
				ID:          m.ID,
				Type:        m.Type,
				CalendarID:  m.CalendarID,
				MessageTime: m.MessageTime,
				Message:     m.Message,
				Deliveries:  nonNilSlice(ds),
			})
		}
		return &struct {
			Body []OutboxMessageResponse `json:"body"`
		}{Body: out}, nil
	})
}
