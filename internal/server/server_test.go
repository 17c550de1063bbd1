package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pavillion/internal/app"
	"pavillion/internal/config"
	"pavillion/internal/domain"
	"pavillion/internal/httpsig"
	"pavillion/internal/keys"
	"pavillion/internal/testutil"
)

const (
	testDomain = "a.example"
	testSecret = "test-secret"
	remoteCal  = "https://b.example/calendars/jazz"
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, opts ...func(*config.Config)) (*testServer, func()) {
	t.Helper()
	cfg := config.Default(testDomain)
	cfg.Federation.KeyBits = 1024
	for _, opt := range opts {
		opt(cfg)
	}
	a := app.New(cfg, testutil.OpenDB(t), testutil.Logger())
	testutil.SeedAccount(t, a.Repo, "acct-alice", "alice")
	testutil.SeedAccount(t, a.Repo, "acct-carol", "carol")
	testutil.SeedCalendar(t, a.Repo, "cal-1", "summer-fest", "acct-alice")

	handler, err := New(Config{App: a, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, Logger: testutil.Logger()}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func adminHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, "acct-alice", nil, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createAccountActor(t *testing.T, srv *testServer, accountID string) ActorResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/accounts/"+accountID+"/actor", nil, adminHeaders(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create actor status %d: %s", res.StatusCode, string(data))
	}
	var actor ActorResponse
	if err := json.Unmarshal(data, &actor); err != nil {
		t.Fatalf("unmarshal actor: %v", err)
	}
	return actor
}

// keyring signs as actors whose private keys never touch the server's store.
type keyring map[string]*domain.Actor

func (k keyring) GetActorByURI(_ context.Context, uri string) (*domain.Actor, error) {
	return k[uri], nil
}

// seedRemoteCalendar stores a remote calendar actor on the server and returns
// a signer holding its private key.
func seedRemoteCalendar(t *testing.T, srv *testServer) *httpsig.Signer {
	t.Helper()
	pub, priv, err := keys.EncodeKeyPair(testutil.TestKey(t))
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	remote := domain.Actor{
		ID:           "actor-jazz",
		Kind:         domain.ActorRemote,
		ActorURI:     remoteCal,
		RemoteDomain: "b.example",
		InboxURL:     remoteCal + "/inbox",
		PublicKeyPEM: pub,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := srv.App.Repo.InsertActor(context.Background(), nil, remote); err != nil {
		t.Fatalf("insert remote actor: %v", err)
	}
	withKey := remote
	withKey.PrivateKeyPEM = priv
	return httpsig.NewSigner(keyring{remoteCal: &withKey})
}

func addActivity(object string) domain.Activity {
	return domain.Activity{
		"@context":         "https://www.w3.org/ns/activitystreams",
		"id":               "https://b.example/activities/1",
		"type":             domain.ActivityAdd,
		"actor":            remoteCal,
		"object":           object,
		"target":           map[string]any{"id": remoteCal, "type": "Group", "inbox": remoteCal + "/inbox"},
		"calendarId":       "remote-cal-9",
		"calendarInboxUrl": remoteCal + "/inbox",
	}
}

func postInbox(t *testing.T, srv *testServer, signer *httpsig.Signer, username string, activity domain.Activity) *http.Response {
	t.Helper()
	return postInboxAs(t, srv, signer, remoteCal, username, activity)
}

func postInboxAs(t *testing.T, srv *testServer, signer *httpsig.Signer, actorURI, username string, activity domain.Activity) *http.Response {
	t.Helper()
	body, err := activity.Marshal()
	if err != nil {
		t.Fatalf("marshal activity: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/users/"+username+"/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", activityJSON)
	if signer != nil {
		if _, err := signer.SignRequest(context.Background(), actorURI, req, body); err != nil {
			t.Fatalf("sign request: %v", err)
		}
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	return res
}

func TestAdminRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/outbox", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/outbox", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/outbox", nil, adminHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestWebFingerAndActorDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	actor := createAccountActor(t, srv, "acct-alice")
	if actor.ActorURI != "https://a.example/users/alice" {
		t.Fatalf("unexpected actor uri %q", actor.ActorURI)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/.well-known/webfinger?resource=acct:alice@a.example", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webfinger status %d: %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); ct != jrdJSON {
		t.Fatalf("webfinger content type %q", ct)
	}
	var wf keys.WebFinger
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal webfinger: %v", err)
	}
	if wf.SelfLink() != actor.ActorURI {
		t.Fatalf("self link %q, want %q", wf.SelfLink(), actor.ActorURI)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/.well-known/webfinger?resource=acct:alice@elsewhere.example", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign host should 404, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users/alice", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("actor status %d: %s", res.StatusCode, string(data))
	}
	var doc keys.ActorDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal actor doc: %v", err)
	}
	if doc.PublicKey.ID != actor.ActorURI+"#main-key" {
		t.Fatalf("key id %q", doc.PublicKey.ID)
	}
	if !strings.Contains(doc.PublicKey.PublicKeyPem, "PUBLIC KEY") {
		t.Fatalf("actor document lacks a public key")
	}
	if strings.Contains(string(data), "PRIVATE KEY") {
		t.Fatalf("actor document leaks the private key")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actors?kind=local", nil, adminHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list actors status %d: %s", res.StatusCode, string(data))
	}
	var listed []ActorResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal actors: %v", err)
	}
	if len(listed) != 1 || listed[0].ActorURI != actor.ActorURI {
		t.Fatalf("unexpected actors %s", string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users/nobody", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user should 404, got %d", res.StatusCode)
	}
}

func TestInboxSignedAddCreatesEdge(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := createAccountActor(t, srv, "acct-alice")
	signer := seedRemoteCalendar(t, srv)

	res := postInbox(t, srv, signer, "alice", addActivity(alice.ActorURI))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("signed Add status %d", res.StatusCode)
	}
	edges, err := srv.App.Repo.ListEdgesForAccount(context.Background(), "acct-alice")
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].ResourceID != "remote-cal-9" || edges[0].CalendarActorURI != remoteCal {
		t.Fatalf("unexpected edge %+v", edges[0])
	}

	// Replaying the same grant keeps a single edge.
	res = postInbox(t, srv, signer, "alice", addActivity(alice.ActorURI))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("replayed Add status %d", res.StatusCode)
	}
	edges, _ = srv.App.Repo.ListEdgesForAccount(context.Background(), "acct-alice")
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge after replay, got %d", len(edges))
	}
}

func TestInboxRejectsUnsignedAndMismatched(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	alice := createAccountActor(t, srv, "acct-alice")
	signer := seedRemoteCalendar(t, srv)

	res := postInbox(t, srv, nil, "alice", addActivity(alice.ActorURI))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned Add should 401, got %d", res.StatusCode)
	}

	res = postInbox(t, srv, signer, "alice", addActivity("https://a.example/users/carol"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("Add for another object should 400, got %d", res.StatusCode)
	}

	follow := addActivity(alice.ActorURI)
	follow["type"] = domain.ActivityFollow
	res = postInbox(t, srv, signer, "alice", follow)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("unsupported activity should be accepted and ignored, got %d", res.StatusCode)
	}

	edges, _ := srv.App.Repo.ListEdgesForAccount(context.Background(), "acct-alice")
	if len(edges) != 0 {
		t.Fatalf("expected no edges, got %d", len(edges))
	}
}

func TestInboxRefreshesRotatedKey(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) { cfg.Netguard.AllowPrivate = true })
	defer cleanup()
	alice := createAccountActor(t, srv, "acct-alice")

	stalePub, _, err := keys.EncodeKeyPair(testutil.TestKey(t))
	if err != nil {
		t.Fatalf("encode stale key: %v", err)
	}
	currentPub, currentPriv, err := keys.EncodeKeyPair(testutil.TestKey(t))
	if err != nil {
		t.Fatalf("encode current key: %v", err)
	}
	mux := http.NewServeMux()
	remote := httptest.NewServer(mux)
	defer remote.Close()
	calURI := remote.URL + "/calendars/jazz"
	mux.HandleFunc("/calendars/jazz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", activityJSON)
		json.NewEncoder(w).Encode(keys.ActorDocument{
			ID:        calURI,
			Type:      "Group",
			Inbox:     calURI + "/inbox",
			PublicKey: keys.PublicKey{ID: calURI + "#main-key", Owner: calURI, PublicKeyPem: currentPub},
		})
	})
	stored := domain.Actor{
		ID:           "actor-jazz",
		Kind:         domain.ActorRemote,
		ActorURI:     calURI,
		RemoteDomain: domain.HostOf(calURI),
		InboxURL:     calURI + "/inbox",
		PublicKeyPEM: stalePub,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := srv.App.Repo.InsertActor(context.Background(), nil, stored); err != nil {
		t.Fatalf("insert remote actor: %v", err)
	}
	withKey := stored
	withKey.PublicKeyPEM = currentPub
	withKey.PrivateKeyPEM = currentPriv
	signer := httpsig.NewSigner(keyring{calURI: &withKey})

	add := addActivity(alice.ActorURI)
	add["actor"] = calURI
	add["target"] = map[string]any{"id": calURI, "type": "Group", "inbox": calURI + "/inbox"}
	res := postInboxAs(t, srv, signer, calURI, "alice", add)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("Add signed with rotated key should be accepted, got %d", res.StatusCode)
	}
	refreshed, err := srv.App.Repo.GetActorByURI(context.Background(), calURI)
	if err != nil {
		t.Fatalf("load refreshed actor: %v", err)
	}
	if refreshed.PublicKeyPEM != currentPub {
		t.Fatalf("stored key was not replaced by the fetched one")
	}

	// A key the remote never published still fails.
	_, otherPriv, err := keys.EncodeKeyPair(testutil.TestKey(t))
	if err != nil {
		t.Fatalf("encode other key: %v", err)
	}
	forged := withKey
	forged.PrivateKeyPEM = otherPriv
	res = postInboxAs(t, srv, httpsig.NewSigner(keyring{calURI: &forged}), calURI, "alice", add)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Add signed with unpublished key should 401, got %d", res.StatusCode)
	}
}

func TestEditorsGrantListRevoke(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	carol := createAccountActor(t, srv, "acct-carol")
	headers := adminHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/calendars/cal-1/editors", map[string]any{
		"handle": "carol@a.example",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}
	var edge domain.AuthorizationEdge
	if err := json.Unmarshal(data, &edge); err != nil {
		t.Fatalf("unmarshal edge: %v", err)
	}
	if edge.AccountID != "acct-carol" || edge.GrantedBy != "acct-alice" {
		t.Fatalf("unexpected edge %+v", edge)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/calendars/cal-1/editors", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var editorsList []EditorResponse
	if err := json.Unmarshal(data, &editorsList); err != nil {
		t.Fatalf("unmarshal editors: %v", err)
	}
	if len(editorsList) != 1 || editorsList[0].Actor == nil || editorsList[0].Actor.ID != carol.ID {
		t.Fatalf("unexpected editors %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/calendars/cal-1/editors/"+carol.ID, nil, headers)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/calendars/cal-1/editors/"+carol.ID, nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second revoke should 404, got %d", res.StatusCode)
	}

	// Local grants never reach the outbox.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/outbox?calendar_id=cal-1", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("outbox status %d: %s", res.StatusCode, string(data))
	}
	var msgs []OutboxMessageResponse
	if err := json.Unmarshal(data, &msgs); err != nil {
		t.Fatalf("unmarshal outbox: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(msgs))
	}
}

func TestEnqueueActivity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	headers := adminHeaders(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/calendars/cal-1/outbox", map[string]any{
		"activity": map[string]any{
			"id":    "https://a.example/activities/42",
			"type":  "Create",
			"actor": "https://a.example/calendars/summer-fest",
		},
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue status %d: %s", res.StatusCode, string(data))
	}
	var out EnqueueResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal enqueue: %v", err)
	}
	if !out.Accepted {
		t.Fatalf("expected activity to be accepted")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/calendars/cal-1/outbox", map[string]any{
		"activity": map[string]any{
			"id":    "https://a.example/activities/43",
			"type":  "Create",
			"actor": "https://a.example/calendars/other",
		},
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("foreign actor enqueue status %d: %s", res.StatusCode, string(data))
	}
	out = EnqueueResponse{}
	json.Unmarshal(data, &out)
	if out.Accepted {
		t.Fatalf("activity from another actor must not be queued")
	}

	msgs, err := srv.App.Repo.ListOutboxMessages(context.Background(), "cal-1", 0)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "https://a.example/activities/42" {
		t.Fatalf("unexpected outbox %+v", msgs)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	var wg sync.WaitGroup
	bodies := make([][]byte, n)
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			codes[i] = res.StatusCode
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d: status %d", i, codes[i])
		}
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d returned a different document", i)
		}
	}
	var doc map[string]any
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc["paths"]; !ok {
		t.Fatalf("openapi document has no paths")
	}
}
