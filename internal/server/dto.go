package server

import (
	"encoding/json"

	"pavillion/internal/domain"
	"pavillion/internal/editors"
)

// Request payloads

type GrantEditorRequest struct {
	Handle string `json:"handle" doc:"user@host of the actor to grant" example:"bob@b.example"`
}

type EnqueueRequest struct {
	Activity map[string]any `json:"activity"`
}

// Response payloads

type ActorResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	ActorURI   string `json:"actor_uri"`
	Username   string `json:"username,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	InboxURL   string `json:"inbox_url,omitempty"`
	PublicKey  string `json:"public_key"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type EditorResponse struct {
	Edge  domain.AuthorizationEdge `json:"edge"`
	Actor *ActorResponse           `json:"actor,omitempty"`
}

type OutboxMessageResponse struct {
	ID          string                  `json:"id"`
	Type        string                  `json:"type"`
	CalendarID  string                  `json:"calendar_id"`
	MessageTime string                  `json:"message_time" format:"date-time"`
	Message     json.RawMessage         `json:"message"`
	Deliveries  []domain.OutboxDelivery `json:"deliveries"`
}

type EnqueueResponse struct {
	Accepted bool `json:"accepted"`
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:         a.ID,
		Kind:       string(a.Kind),
		ActorURI:   a.ActorURI,
		Username:   firstNonEmpty(a.Username, a.RemoteUsername),
		AccountID:  a.AccountID,
		CalendarID: a.CalendarID,
		InboxURL:   a.InboxURL,
		PublicKey:  a.PublicKeyPEM,
		CreatedAt:  a.CreatedAt,
	}
}

func editorResponses(items []editors.Editor) []EditorResponse {
	out := make([]EditorResponse, 0, len(items))
	for _, e := range items {
		resp := EditorResponse{Edge: e.Edge}
		if e.Actor != nil {
			a := actorResponse(*e.Actor)
			resp.Actor = &a
		}
		out = append(out, resp)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
