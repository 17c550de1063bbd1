package editors_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pavillion/internal/domain"
	"pavillion/internal/editors"
	"pavillion/internal/keys"
	"pavillion/internal/netguard"
	"pavillion/internal/outbox"
	"pavillion/internal/repo"
	"pavillion/internal/testutil"
)

func remoteBob(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	pub, _, err := keys.EncodeKeyPair(testutil.TestKey(t))
	require.NoError(t, err)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")
	uri := srv.URL + "/users/bob"
	mux.HandleFunc("/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(keys.WebFinger{
			Subject: "acct:bob@" + host,
			Links:   []keys.WebFingerLink{{Rel: "self", Type: "application/activity+json", Href: uri}},
		})
	})
	mux.HandleFunc("/users/bob", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(keys.ActorDocument{
			ID: uri, Type: "Person", PreferredUsername: "bob", Inbox: uri + "/inbox",
			PublicKey: keys.PublicKey{ID: uri + "#main-key", Owner: uri, PublicKeyPem: pub},
		})
	})
	return srv, "bob@" + host
}

func newService(t *testing.T) (editors.Service, repo.Repo) {
	t.Helper()
	r := repo.Repo{DB: testutil.OpenDB(t)}
	store := keys.New(r, keys.Config{
		Domain:  "a.example",
		KeyBits: 1024,
		Logger:  testutil.Logger(),
		Guard:   &netguard.Guard{AllowPrivate: true, Logger: testutil.Logger()},
		Scheme:  "http",
	})
	testutil.SeedAccount(t, r, "acct-alice", "alice")
	testutil.SeedCalendar(t, r, "cal-1", "summer-fest", "acct-alice")
	return editors.Service{
		Keys:   store,
		Repo:   r,
		Relay:  outbox.Relay{Store: r, Domain: "a.example", Logger: testutil.Logger()},
		Domain: "a.example",
		Logger: testutil.Logger(),
	}, r
}

func TestGrantRemoteEditorQueuesAdd(t *testing.T) {
	svc, r := newService(t)
	srv, handle := remoteBob(t)
	ctx := context.Background()

	edge, err := svc.Grant(ctx, "cal-1", handle, "acct-alice")
	require.NoError(t, err)
	assert.NotEmpty(t, edge.ActorID)
	assert.Empty(t, edge.AccountID)
	assert.Equal(t, "https://a.example/calendars/summer-fest", edge.CalendarActorURI)

	msgs, err := r.ListOutboxMessages(ctx, "cal-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	act, err := domain.ParseActivity(msgs[0].Message)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivityAdd, act.Type())
	assert.Equal(t, srv.URL+"/users/bob", act.Object())
	assert.Equal(t, "https://a.example/calendars/summer-fest", act.Target())
	assert.Equal(t, "cal-1", act.String("calendarId"))
	assert.Equal(t, []string{srv.URL + "/users/bob"}, act.Strings("to"))

	again, err := svc.Grant(ctx, "cal-1", handle, "acct-alice")
	require.NoError(t, err)
	assert.Equal(t, edge.ID, again.ID)
	msgs, err = r.ListOutboxMessages(ctx, "cal-1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	list, err := svc.List(ctx, "cal-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Actor)
	assert.Equal(t, srv.URL+"/users/bob", list[0].Actor.ActorURI)
}

func TestRevokeRemoteEditorQueuesRemove(t *testing.T) {
	svc, r := newService(t)
	_, handle := remoteBob(t)
	ctx := context.Background()

	edge, err := svc.Grant(ctx, "cal-1", handle, "acct-alice")
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "cal-1", edge.ActorID))

	msgs, err := r.ListOutboxMessages(ctx, "cal-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	types := []string{msgs[0].Type, msgs[1].Type}
	assert.ElementsMatch(t, []string{"Add", "Remove"}, types)

	assert.ErrorIs(t, svc.Revoke(ctx, "cal-1", edge.ActorID), editors.ErrEditorNotFound)
	assert.ErrorIs(t, svc.Revoke(ctx, "cal-1", "no-such-actor"), editors.ErrEditorNotFound)
}

func TestGrantLocalEditorSendsNothing(t *testing.T) {
	svc, r := newService(t)
	ctx := context.Background()
	carol := testutil.SeedAccount(t, r, "acct-carol", "carol")
	_, err := svc.Keys.CreateActor(ctx, carol)
	require.NoError(t, err)

	edge, err := svc.Grant(ctx, "cal-1", "carol@a.example", "acct-alice")
	require.NoError(t, err)
	assert.Equal(t, "acct-carol", edge.AccountID)
	msgs, err := r.ListOutboxMessages(ctx, "cal-1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGrantUnknownCalendar(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Grant(context.Background(), "nope", "bob@b.example", "")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
