package domain

import (
	"encoding/json"
	"net/url"
	"strings"
)

type ActorKind string

const (
	ActorLocal  ActorKind = "local"
	ActorRemote ActorKind = "remote"
)

// Actor is a cryptographic identity participating in federation. Local actors
// belong to exactly one account or calendar and hold a private key.
type Actor struct {
	ID             string    `json:"id"`
	Kind           ActorKind `json:"kind" enum:"local,remote"`
	AccountID      string    `json:"account_id,omitempty"`
	CalendarID     string    `json:"calendar_id,omitempty"`
	ActorURI       string    `json:"actor_uri"`
	Username       string    `json:"username,omitempty"`
	RemoteUsername string    `json:"remote_username,omitempty"`
	RemoteDomain   string    `json:"remote_domain,omitempty"`
	InboxURL       string    `json:"inbox_url,omitempty"`
	PublicKeyPEM   string    `json:"public_key"`
	PrivateKeyPEM  string    `json:"-"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
}

// KeyID is the identifier remote servers use to fetch this actor's key.
func (a Actor) KeyID() string {
	return a.ActorURI + "#main-key"
}

// Domain returns the host part of the actor URI.
func (a Actor) Domain() string {
	if a.RemoteDomain != "" {
		return a.RemoteDomain
	}
	return HostOf(a.ActorURI)
}

func (a Actor) HasPrivateKey() bool {
	return strings.TrimSpace(a.PrivateKeyPEM) != ""
}

type Account struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Calendar struct {
	ID        string `json:"id"`
	URLName   string `json:"url_name"`
	AccountID string `json:"account_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

const RoleEditor = "editor"

// AuthorizationEdge grants edit rights on a calendar. Exactly one of AccountID
// (local grantee of a possibly remote calendar) or ActorID (remote grantee of
// a local calendar) is set.
type AuthorizationEdge struct {
	ID               string `json:"id"`
	ResourceID       string `json:"resource_id"`
	AccountID        string `json:"account_id,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	Role             string `json:"role"`
	CalendarActorURI string `json:"calendar_actor_uri,omitempty"`
	CalendarInboxURL string `json:"calendar_inbox_url,omitempty"`
	CalendarDomain   string `json:"calendar_domain,omitempty"`
	GrantedBy        string `json:"granted_by,omitempty"`
	GrantedAt        string `json:"granted_at" format:"date-time"`
}

type OutboxMessage struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	CalendarID  string          `json:"calendar_id"`
	MessageTime string          `json:"message_time" format:"date-time"`
	Message     json.RawMessage `json:"message"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDead      DeliveryStatus = "dead"
)

type OutboxDelivery struct {
	MessageID string         `json:"message_id"`
	InboxURL  string         `json:"inbox_url"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// HTTPSignature is the per-request artifact produced by signing. It is never
// persisted.
type HTTPSignature struct {
	KeyID     string `json:"keyId"`
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
	Headers   string `json:"headers"`
	Date      string `json:"date"`
	Digest    string `json:"digest,omitempty"`
}

// UserActorURL is the canonical actor URI of a local account.
func UserActorURL(host, username string) string {
	return "https://" + host + "/users/" + username
}

// CalendarActorURL is the canonical actor URI of a local calendar.
func CalendarActorURL(host, urlName string) string {
	return "https://" + host + "/calendars/" + urlName
}

// HostOf returns the hostname of rawURL, or "" if it does not parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
