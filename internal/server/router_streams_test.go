package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/memstore"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "pulse-auth"
	testCookieName    = "pulse_session"
)

type serverFixture struct {
	server *httptest.Server
	hub    *realtime.Hub
	issuer *auth.TokenIssuer
}

func newServerFixture(t *testing.T, backend store.Backend) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	validator, err := streams.NewValidator(streams.ValidatorConfig{Catalog: streams.DefaultCatalog()})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	streamStore, err := store.New(store.Config{Backend: backend, Revalidator: validator, RetryAttempts: 2, RetryBaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	reg := registry.New()
	dispatcher := dispatch.New(dispatch.Config{Lookup: reg, SendTimeout: time.Second})
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(runCtx)

	hub, err := realtime.NewHub(realtime.HubConfig{Validator: validator, Store: streamStore, Registry: reg, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Hub:           hub,
		Authenticator: sessions,
		Stats:         dispatcher,
		Transport:     TransportConfig{HeartbeatInterval: time.Second, Buffer: 32},
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return serverFixture{server: server, hub: hub, issuer: issuer}
}

func (f serverFixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, _, err := f.issuer.IssueSessionToken(context.Background(), auth.Identity{UserID: userID, Role: role})
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}

func (f serverFixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return response.StatusCode, decoded
}

func chatBody(group, senderID, content string) map[string]any {
	return map[string]any{
		"group": group,
		"payload": map[string]any{
			"senderId": senderID,
			"role":     "student",
			"content":  content,
			"kind":     "text",
		},
	}
}

func TestSendChatMessageIsListedAsMostRecent(t *testing.T) {
	fixture := newServerFixture(t, memstore.New())
	token := fixture.token(t, "s1", "student")

	if status, _ := fixture.do(t, http.MethodPost, "/streams/chatMessages/send", token, chatBody("conv-42", "s1", "earlier")); status != http.StatusCreated {
		t.Fatalf("unexpected status for first send: %d", status)
	}
	status, created := fixture.do(t, http.MethodPost, "/streams/chatMessages/send", token, chatBody("conv-42", "s1", "hi"))
	if status != http.StatusCreated {
		t.Fatalf("unexpected send status: %d (%v)", status, created)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("expected generated id, got %v", created)
	}
	if created["updatedAt"] == nil {
		t.Fatalf("expected updatedAt to be set, got %v", created)
	}
	payload, _ := created["payload"].(map[string]any)
	if read, ok := payload["read"].(bool); !ok || read {
		t.Fatalf("expected read=false, got %v", payload)
	}

	status, listed := fixture.do(t, http.MethodGet, "/streams/chatMessages/conv-42", token, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected list status: %d", status)
	}
	items, _ := listed["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected two items, got %v", listed)
	}
	latest, _ := items[len(items)-1].(map[string]any)
	if latest["id"] != id {
		t.Fatalf("expected %s to be the most recent item, got %v", id, latest["id"])
	}
	cursor, _ := listed["cursor"].(string)
	if cursor == "" || cursor == "0" {
		t.Fatalf("expected cursor to advance, got %q", cursor)
	}

	status, since := fixture.do(t, http.MethodGet, "/streams/chatMessages/conv-42?since="+cursor, token, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected list-since status: %d", status)
	}
	if remaining, _ := since["items"].([]any); len(remaining) != 0 {
		t.Fatalf("expected nothing after the cursor, got %v", remaining)
	}
	if since["cursor"] != cursor {
		t.Fatalf("expected cursor to be preserved, got %v", since["cursor"])
	}
}

func TestMarkReadUpdatesStoredItem(t *testing.T) {
	fixture := newServerFixture(t, memstore.New())
	token := fixture.token(t, "s1", "student")

	_, created := fixture.do(t, http.MethodPost, "/streams/chatMessages/send", token, chatBody("conv-1", "s1", "hello"))
	id, _ := created["id"].(string)

	status, patched := fixture.do(t, http.MethodPatch, "/streams/chatMessages/conv-1/"+id+"/read", token, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected mark-read status: %d (%v)", status, patched)
	}
	status, fetched := fixture.do(t, http.MethodGet, "/streams/chatMessages/conv-1/"+id, token, nil)
	if status != http.StatusOK {
		t.Fatalf("unexpected get status: %d", status)
	}
	payload, _ := fetched["payload"].(map[string]any)
	if payload["read"] != true || payload["content"] != "hello" {
		t.Fatalf("expected read message with original content, got %v", payload)
	}
}

func TestStreamErrorsMapToStatusCodes(t *testing.T) {
	fixture := newServerFixture(t, memstore.New())
	token := fixture.token(t, "s1", "student")
	longID := strings.Repeat("x", 191)

	testCases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{name: "unknown stream on send", method: http.MethodPost, path: "/streams/bogus/send", body: chatBody("g", "s1", "x"), status: http.StatusNotFound, code: "unknown_stream"},
		{name: "unknown stream on list", method: http.MethodGet, path: "/streams/bogus/g", status: http.StatusNotFound, code: "unknown_stream"},
		{name: "missing group", method: http.MethodPost, path: "/streams/chatMessages/send", body: chatBody("", "s1", "x"), status: http.StatusBadRequest, code: "schema_violation"},
		{name: "missing kind", method: http.MethodPost, path: "/streams/chatMessages/send", body: map[string]any{"group": "conv-1", "payload": map[string]any{"senderId": "s1", "role": "student", "content": "x"}}, status: http.StatusBadRequest, code: "schema_violation"},
		{name: "malformed body", method: http.MethodPost, path: "/streams/chatMessages/send", body: []int{1}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "missing item", method: http.MethodGet, path: "/streams/chatMessages/conv-1/nope", status: http.StatusNotFound, code: "not_found"},
		{name: "oversized key", method: http.MethodGet, path: "/streams/chatMessages/conv-1/" + longID, status: http.StatusBadRequest, code: "invalid_key"},
		{name: "mark missing item read", method: http.MethodPatch, path: "/streams/chatMessages/conv-1/nope/read", status: http.StatusNotFound, code: "not_found"},
		{name: "invalid cursor", method: http.MethodGet, path: "/streams/chatMessages/conv-1?since=yesterday", status: http.StatusBadRequest, code: "invalid_cursor"},
		{name: "foreign notifications", method: http.MethodGet, path: "/streams/notifications/someone-else", status: http.StatusForbidden, code: "forbidden"},
		{name: "unknown user presence", method: http.MethodGet, path: "/presence/ghost", status: http.StatusNotFound, code: "unknown_user"},
		{name: "missing token", method: http.MethodGet, path: "/presence", status: http.StatusUnauthorized},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			requestToken := token
			if testCase.status == http.StatusUnauthorized {
				requestToken = ""
			}
			status, body := fixture.do(t, testCase.method, testCase.path, requestToken, testCase.body)
			if status != testCase.status {
				t.Fatalf("unexpected status: got %d, want %d (%v)", status, testCase.status, body)
			}
			if testCase.code != "" && body["error"] != testCase.code {
				t.Fatalf("unexpected error code: got %v, want %s", body["error"], testCase.code)
			}
		})
	}
}

func TestSchemaViolationReportsFields(t *testing.T) {
	fixture := newServerFixture(t, memstore.New())
	token := fixture.token(t, "s1", "student")

	body := map[string]any{"group": "conv-1", "payload": map[string]any{"senderId": "s1", "role": "teacher", "content": "x", "kind": "text"}}
	status, response := fixture.do(t, http.MethodPost, "/streams/chatMessages/send", token, body)
	if status != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", status)
	}
	fields, _ := response["fields"].([]any)
	if len(fields) == 0 {
		t.Fatalf("expected field detail, got %v", response)
	}
	first, _ := fields[0].(map[string]any)
	if first["field"] != "role" {
		t.Fatalf("expected role to be reported, got %v", first)
	}
}

func TestStoreWriteFailureMapsToServerError(t *testing.T) {
	fixture := newServerFixture(t, failingBackend{Backend: memstore.New()})
	token := fixture.token(t, "s1", "student")

	status, body := fixture.do(t, http.MethodPost, "/streams/chatMessages/send", token, chatBody("conv-1", "s1", "x"))
	if status != http.StatusInternalServerError || body["error"] != "store_write_failed" {
		t.Fatalf("unexpected response: %d %v", status, body)
	}
}

func TestNotificationOwnerAndAdminCanRead(t *testing.T) {
	fixture := newServerFixture(t, memstore.New())
	producer := fixture.token(t, "backend", "admin")

	body := map[string]any{
		"group": "u1",
		"payload": map[string]any{
			"recipientRole": "student",
			"kind":          "general",
			"title":         "Welcome",
			"message":       "Hello there",
		},
	}
	if status, response := fixture.do(t, http.MethodPost, "/streams/notifications/send", producer, body); status != http.StatusCreated {
		t.Fatalf("unexpected send status: %d (%v)", status, response)
	}

	for _, token := range []string{fixture.token(t, "u1", "student"), producer} {
		status, listed := fixture.do(t, http.MethodGet, "/streams/notifications/u1", token, nil)
		if status != http.StatusOK {
			t.Fatalf("unexpected list status: %d", status)
		}
		if items, _ := listed["items"].([]any); len(items) != 1 {
			t.Fatalf("expected one notification, got %v", listed)
		}
	}
}

func TestHealthReportsDispatchStats(t *testing.T) {
	fixture := newServerFixture(t, memstore.New())

	status, body := fixture.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", status, body)
	}
	if _, ok := body["dispatch"].(map[string]any); !ok {
		t.Fatalf("expected dispatch stats, got %v", body)
	}
}

func TestParseCursorAcceptsNanosAndRFC3339(t *testing.T) {
	moment := time.Date(2025, 3, 1, 12, 0, 0, 42, time.UTC)

	fromNanos, err := parseCursor(strconv.FormatInt(moment.UnixNano(), 10))
	if err != nil || !fromNanos.Equal(moment) {
		t.Fatalf("unexpected nanos cursor: %v %v", fromNanos, err)
	}
	fromText, err := parseCursor(moment.Format(time.RFC3339Nano))
	if err != nil || !fromText.Equal(moment) {
		t.Fatalf("unexpected RFC3339 cursor: %v %v", fromText, err)
	}
	if zero, err := parseCursor(""); err != nil || !zero.IsZero() {
		t.Fatalf("expected empty cursor to mean everything")
	}
	if _, err := parseCursor("-5"); err == nil {
		t.Fatalf("expected negative cursor to be rejected")
	}
}

type failingBackend struct {
	store.Backend
}

func (failingBackend) Put(context.Context, streams.Item) error {
	return errors.New("disk full")
}
