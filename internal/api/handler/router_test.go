package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roastarena/backend/internal/api/handler"
	"roastarena/backend/internal/chathub"
	"roastarena/backend/internal/config"
	"roastarena/backend/internal/history"
	"roastarena/backend/internal/models"
	"roastarena/backend/internal/storage"
	"roastarena/backend/internal/storage/storagetest"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	store  *storage.Service
	hub    *chathub.ManagerService
	tokens *handler.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storagetest.New(t)
	hub := chathub.NewManagerService(store, storage.OldestFirst)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	tokens := handler.NewTokenIssuer("test-secret", time.Hour)
	h := handler.NewHandler(hub, history.NewIndexer(store), tokens)
	router, stop := handler.NewRouter(h, config.Config{Env: "dev", RateLimitRPS: 1000, RateLimitBurst: 1000})
	t.Cleanup(stop)

	return &testServer{router: router, store: store, hub: hub, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := s.tokens.Issue(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestGetAnonID(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/anonid", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]string](t, w)
	assert.NotEmpty(t, body["anon_id"])
	uid, err := s.tokens.Verify(body["token"])
	require.NoError(t, err)
	assert.Equal(t, body["anon_id"], uid)
}

func TestAPI_RequiresIdentity(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/history", "/api/sessions/x"} {
		w := s.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/pairing", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPairingFlow(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/pairing", "alice", `{"username":"Alice","avatar":"a.png"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"waiting"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/pairing", "bob", `{"username":"Bob"}`)
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[map[string]string](t, w)
	assert.Equal(t, "matched", res["status"])
	require.NotEmpty(t, res["sessionId"])

	w = s.do(t, http.MethodGet, "/api/sessions/"+res["sessionId"], "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeBody[models.SessionView](t, w)
	assert.ElementsMatch(t, []string{"alice", "bob"}, view.ParticipantIDs)
	assert.Equal(t, "Alice", view.ParticipantProfiles["alice"].Username)

	w = s.do(t, http.MethodGet, "/api/sessions/"+res["sessionId"], "mallory", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "outsiders cannot see the session")

	w = s.do(t, http.MethodGet, "/api/sessions/missing", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPairing_InvalidPayload(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/pairing", "alice", `{"username":"`+strings.Repeat("x", 40)+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/pairing", "alice", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteMe(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/pairing", "alice", `{}`).Code)

	w := s.do(t, http.MethodDelete, "/api/users/me", "alice", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	entry, err := s.store.GetWaiting(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, entry)

	w = s.do(t, http.MethodDelete, "/api/users/me", "alice", "")
	assert.Equal(t, http.StatusNoContent, w.Code, "deleting twice is fine")
}

func TestDeleteMe_EndsLiveSession(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.do(t, http.MethodPost, "/api/pairing", "alice", `{}`)
	res := decodeBody[map[string]string](t, s.do(t, http.MethodPost, "/api/pairing", "bob", `{}`))

	w := s.do(t, http.MethodDelete, "/api/users/me", "alice", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	session, err := s.store.GetSession(ctx, res["sessionId"])
	require.NoError(t, err)
	assert.True(t, session.Ended())
	ptr, err := s.store.GetActiveSession(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ptr)
}

func TestPairing_ReplacesLiveSession(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	s.do(t, http.MethodPost, "/api/pairing", "alice", `{}`)
	res := decodeBody[map[string]string](t, s.do(t, http.MethodPost, "/api/pairing", "bob", `{}`))
	require.Equal(t, "matched", res["status"])

	w := s.do(t, http.MethodPost, "/api/pairing", "alice", `{}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"waiting"}`, w.Body.String())
	session, err := s.store.GetSession(ctx, res["sessionId"])
	require.NoError(t, err)
	assert.True(t, session.Ended())
	assert.Equal(t, "alice", session.EndedBy)
	ptr, err := s.store.GetActiveSession(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ptr, "the former partner must not point at the old session")
}

func TestHistoryEndpoints(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, m := range []models.Message{
		{FromUserID: "alice", ToUserID: "bob", FromUsername: "Alice", ToUsername: "Bob", Text: "you roast like toast"},
		{FromUserID: "bob", ToUserID: "alice", FromUsername: "Bob", ToUsername: "Alice", Text: "at least I am warm"},
		{FromUserID: "carol", ToUserID: "alice", FromUsername: "Carol", ToUsername: "Alice", Text: "hi"},
	} {
		m.SentAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.store.SaveMessage(ctx, &m))
	}

	w := s.do(t, http.MethodGet, "/api/history", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	partners := decodeBody[struct {
		Partners []history.Partner `json:"partners"`
	}](t, w).Partners
	require.Len(t, partners, 2)
	assert.Equal(t, "carol", partners[0].PartnerID)
	assert.Equal(t, "Bob", partners[1].Profile.Username)

	w = s.do(t, http.MethodGet, "/api/history?limit=1", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[map[string][]any](t, w)["partners"], 1)

	w = s.do(t, http.MethodGet, "/api/history?limit=zero", "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/history/bob", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decodeBody[struct {
		Messages []struct {
			Text string `json:"text"`
			Mine bool   `json:"mine"`
		} `json:"messages"`
	}](t, w).Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "you roast like toast", msgs[0].Text)
	assert.True(t, msgs[0].Mine)
	assert.False(t, msgs[1].Mine)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/healthz", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody[map[string]any](t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/healthz", "", "")

	w := s.do(t, http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestWebSocket_TokenInQuery(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + config.DefaultWebSocketPath

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := s.tokens.Issue("alice")
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, models.EventConnectionUpdate, env.Type)
	assert.Eventually(t, func() bool { return s.hub.Conn("alice") != nil }, time.Second, 10*time.Millisecond)
}
