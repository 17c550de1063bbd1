package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"pavillion/internal/domain"
	"pavillion/internal/netguard"
	"pavillion/internal/repo"
)

const (
	activityJSON        = "application/activity+json"
	ldJSON              = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	defaultFetchTimeout = 10 * time.Second
	maxDocumentBytes    = 1 << 20
	minRefreshInterval  = time.Minute
	maxTrackedRefreshes = 4096
)

var (
	ErrRemoteActor = errors.New("remote actor unavailable")
	// ErrRefreshThrottled is returned when an actor was re-fetched too recently.
	ErrRefreshThrottled = errors.New("remote actor refreshed recently")
)

type fetcher struct {
	client *resty.Client
	guard  *netguard.Guard
	scheme string
}

func newFetcher(cfg Config) *fetcher {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	guard := cfg.Guard
	if guard == nil {
		guard = &netguard.Guard{Logger: cfg.Logger}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "pavillion"
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	client := resty.New().
		SetTransport(guard.Transport()).
		SetTimeout(timeout).
		SetResponseBodyLimit(maxDocumentBytes).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(3)).
		SetHeader("User-Agent", ua)
	return &fetcher{client: client, guard: guard, scheme: scheme}
}

func (f *fetcher) getJSON(ctx context.Context, rawURL, accept string, query map[string]string, out any) error {
	if err := f.guard.ValidateURLNotPrivate(ctx, rawURL); err != nil {
		return err
	}
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", accept).
		SetQueryParams(query).
		Get(rawURL)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		return fmt.Errorf("fetch %s: document too large: %w", rawURL, ErrRemoteActor)
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetch %s: status %d: %w", rawURL, resp.StatusCode(), ErrRemoteActor)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// webfinger resolves user@host to an actor URI.
func (f *fetcher) webfinger(ctx context.Context, user, host string) (string, error) {
	endpoint := (&url.URL{Scheme: f.scheme, Host: host, Path: "/.well-known/webfinger"}).String()
	var wf WebFinger
	err := f.getJSON(ctx, endpoint, "application/jrd+json, application/json",
		map[string]string{"resource": "acct:" + user + "@" + host}, &wf)
	if err != nil {
		return "", err
	}
	self := wf.SelfLink()
	if self == "" {
		return "", fmt.Errorf("webfinger for %s@%s has no activitypub self link: %w", user, host, ErrRemoteActor)
	}
	return self, nil
}

func (f *fetcher) actor(ctx context.Context, uri string) (ActorDocument, error) {
	var doc ActorDocument
	if err := f.getJSON(ctx, uri, activityJSON+", "+ldJSON, nil, &doc); err != nil {
		return ActorDocument{}, err
	}
	if doc.ID != uri {
		return ActorDocument{}, fmt.Errorf("actor document id %q does not match %q: %w", doc.ID, uri, ErrRemoteActor)
	}
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.ID {
		return ActorDocument{}, fmt.Errorf("key owner %q is not actor %q: %w", doc.PublicKey.Owner, doc.ID, ErrRemoteActor)
	}
	if _, err := ParsePublicKey(doc.PublicKey.PublicKeyPem); err != nil {
		return ActorDocument{}, fmt.Errorf("actor %s public key: %w", uri, err)
	}
	if doc.Inbox == "" {
		return ActorDocument{}, fmt.Errorf("actor %s has no inbox: %w", uri, ErrRemoteActor)
	}
	return doc, nil
}

// ResolveRemoteActor looks up user@host through WebFinger and persists the
// remote actor on first sight.
func (s *Store) ResolveRemoteActor(ctx context.Context, handle string) (domain.Actor, error) {
	user, host, ok := SplitHandle(handle)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: handle %q must be user@host", ErrInvalidInput, handle)
	}
	if host == s.Domain {
		a, err := s.Repo.GetActorByUsername(ctx, user)
		if err != nil {
			return domain.Actor{}, fmt.Errorf("local actor %s: %w", user, err)
		}
		return a, nil
	}
	uri, err := s.fetcher.webfinger(ctx, user, host)
	if err != nil {
		return domain.Actor{}, err
	}
	return s.FetchRemoteActorByURI(ctx, uri)
}

// FetchRemoteActorByURI returns the stored actor for uri, fetching and
// persisting it if unknown.
func (s *Store) FetchRemoteActorByURI(ctx context.Context, uri string) (domain.Actor, error) {
	existing, err := s.Repo.GetActorByURI(ctx, uri)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, err
	}
	doc, err := s.fetcher.actor(ctx, uri)
	if err != nil {
		s.logger().Warn("remote actor fetch failed", "actor_uri", uri, "error", err)
		return domain.Actor{}, err
	}
	a := domain.Actor{
		ID:             uuid.NewString(),
		Kind:           domain.ActorRemote,
		ActorURI:       doc.ID,
		RemoteUsername: doc.PreferredUsername,
		RemoteDomain:   domain.HostOf(doc.ID),
		InboxURL:       doc.Inbox,
		PublicKeyPEM:   doc.PublicKey.PublicKeyPem,
		CreatedAt:      s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertActor(ctx, nil, a); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return s.Repo.GetActorByURI(ctx, uri)
		}
		return domain.Actor{}, fmt.Errorf("insert remote actor: %w", err)
	}
	s.logger().Info("stored remote actor", "actor_uri", a.ActorURI, "remote_domain", a.RemoteDomain)
	return a, nil
}

// RefreshRemoteActor re-fetches a stored remote actor and saves its current
// inbox and public key, so a rotated key is picked up. Each actor is
// re-fetched at most once per minRefreshInterval.
func (s *Store) RefreshRemoteActor(ctx context.Context, uri string) (domain.Actor, error) {
	existing, err := s.Repo.GetActorByURI(ctx, uri)
	if err != nil {
		return domain.Actor{}, err
	}
	if existing.Kind != domain.ActorRemote {
		return domain.Actor{}, fmt.Errorf("%w: %s is a local actor", ErrInvalidInput, uri)
	}
	if !s.claimRefresh(uri) {
		return existing, ErrRefreshThrottled
	}
	doc, err := s.fetcher.actor(ctx, uri)
	if err != nil {
		s.logger().Warn("remote actor refresh failed", "actor_uri", uri, "error", err)
		return domain.Actor{}, err
	}
	keyChanged := doc.PublicKey.PublicKeyPem != existing.PublicKeyPEM
	existing.InboxURL = doc.Inbox
	existing.PublicKeyPEM = doc.PublicKey.PublicKeyPem
	existing.RemoteUsername = doc.PreferredUsername
	existing.RemoteDomain = domain.HostOf(doc.ID)
	if err := s.Repo.UpdateRemoteActor(ctx, existing); err != nil {
		return domain.Actor{}, fmt.Errorf("update remote actor: %w", err)
	}
	s.logger().Info("refreshed remote actor", "actor_uri", uri, "key_changed", keyChanged)
	return existing, nil
}

func (s *Store) claimRefresh(uri string) bool {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	now := s.now()
	if last, ok := s.refreshedAt[uri]; ok && now.Sub(last) < minRefreshInterval {
		return false
	}
	if s.refreshedAt == nil || len(s.refreshedAt) >= maxTrackedRefreshes {
		s.refreshedAt = make(map[string]time.Time)
	}
	s.refreshedAt[uri] = now
	return true
}
