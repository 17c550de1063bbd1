package keys

import (
	"strings"

	"pavillion/internal/domain"
)

var actorContext = []string{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// PublicKey is the security-vocabulary key block of an actor document.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// ActorDocument is the subset of an ActivityPub Person/Group we publish and
// consume.
type ActorDocument struct {
	Context           any        `json:"@context,omitempty"`
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	PreferredUsername string     `json:"preferredUsername"`
	Name              string     `json:"name,omitempty"`
	Inbox             string     `json:"inbox"`
	Outbox            string     `json:"outbox,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         PublicKey  `json:"publicKey"`
}

// Document renders a local actor for publication. Calendar actors are Groups.
func Document(a domain.Actor) ActorDocument {
	typ := "Person"
	if a.CalendarID != "" {
		typ = "Group"
	}
	return ActorDocument{
		Context:           actorContext,
		ID:                a.ActorURI,
		Type:              typ,
		PreferredUsername: a.Username,
		Inbox:             a.ActorURI + "/inbox",
		Outbox:            a.ActorURI + "/outbox",
		PublicKey: PublicKey{
			ID:           a.KeyID(),
			Owner:        a.ActorURI,
			PublicKeyPem: a.PublicKeyPEM,
		},
	}
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerFor describes a local actor under acct:username@host.
func WebFingerFor(a domain.Actor, host string) WebFinger {
	return WebFinger{
		Subject: "acct:" + a.Username + "@" + host,
		Aliases: []string{a.ActorURI},
		Links: []WebFingerLink{{
			Rel:  "self",
			Type: activityJSON,
			Href: a.ActorURI,
		}},
	}
}

// SelfLink returns the ActivityPub actor URI advertised by a WebFinger
// document.
func (w WebFinger) SelfLink() string {
	for _, l := range w.Links {
		if l.Rel != "self" || l.Href == "" {
			continue
		}
		if l.Type == activityJSON || strings.Contains(l.Type, "activitystreams") {
			return l.Href
		}
	}
	return ""
}

// SplitHandle parses "user@host" or "@user@host".
func SplitHandle(handle string) (user, host string, ok bool) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "acct:")
	handle = strings.TrimPrefix(handle, "@")
	i := strings.LastIndex(handle, "@")
	if i <= 0 || i == len(handle)-1 {
		return "", "", false
	}
	return handle[:i], handle[i+1:], true
}
