package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/modmail/internal/events"
	"github.com/agentworkforce/modmail/internal/metrics"
	"github.com/agentworkforce/modmail/internal/modmail"
)

const (
	testGuildID     = "100000000000000001"
	testRecipientID = "200000000000000001"
)

type testEnv struct {
	platform   *modmail.MemoryPlatform
	registry   *modmail.Registry
	dispatcher *modmail.Dispatcher
	hub        *events.Hub
	server     *Server
	promReg    *prometheus.Registry
}

func newTestEnv(t *testing.T, cfg ServerConfig, dopts modmail.DispatcherOptions) *testEnv {
	t.Helper()
	platform := modmail.NewMemoryPlatform(modmail.User{})
	platform.AddGuild(modmail.Guild{ID: testGuildID, Name: "Test Guild"})
	category := platform.AddCategory(modmail.Category{GuildID: testGuildID, Name: "Modmail"})
	recipient := platform.AddUser(modmail.User{ID: testRecipientID, Name: "alice"})
	platform.AddMember(modmail.Member{User: recipient, GuildID: testGuildID})

	settings := modmail.DefaultSettings()
	settings.GuildID = testGuildID
	settings.MainCategoryID = category.ID

	m := metrics.New()
	promReg := prometheus.NewRegistry()
	m.MustRegister(promReg)

	hub := events.NewHub()
	registry, err := modmail.NewRegistry(modmail.RegistryOptions{
		Platform:  platform,
		Settings:  modmail.NewSettingsStore(settings),
		Publisher: hub,
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	dopts.Registry = registry
	dispatcher, err := modmail.NewDispatcher(dopts)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(func() {
		_ = dispatcher.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
		_ = hub.Close()
	})
	server := NewServerWithConfig(Deps{
		Registry:   registry,
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    m,
		Gatherer:   promReg,
	}, cfg)
	return &testEnv{
		platform:   platform,
		registry:   registry,
		dispatcher: dispatcher,
		hub:        hub,
		server:     server,
		promReg:    promReg,
	}
}

func (e *testEnv) waitForThread(t *testing.T, recipientID string) *modmail.Thread {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	thread := e.registry.Find(ctx, recipientID)
	if thread == nil {
		t.Fatalf("expected a thread for %s", recipientID)
	}
	if err := thread.WaitReady(ctx); err != nil {
		t.Fatalf("thread not ready: %v", err)
	}
	return thread
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})
	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	rec := httptest.NewRecorder()

	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})

	health := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", health.Code)
	}

	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", resp.Code)
	}
	body := resp.Body.String()
	for _, want := range []string{"modmail_threads_open", `modmail_http_requests_total{method="GET",route="health",status="200"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestScopeAndAudienceEnforced(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})
	readOnly := mustTestJWT(t, "dev-secret", "Operator", []string{"threads:read"}, time.Now().Add(time.Hour))

	forbidden := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/threads",
		headers: map[string]string{
			"Authorization":    "Bearer " + readOnly,
			"X-Correlation-Id": "corr_scope_1",
		},
		body: map[string]any{"recipientId": testRecipientID},
	})
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d (%s)", forbidden.Code, forbidden.Body.String())
	}

	wrongAud := mustTestJWTWithAudience(t, "dev-secret", "Operator", []string{"threads:read"}, "other-service", time.Now().Add(time.Hour))
	resp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/threads",
		headers: map[string]string{
			"Authorization":    "Bearer " + wrongAud,
			"X-Correlation-Id": "corr_scope_2",
		},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d (%s)", resp.Code, resp.Body.String())
	}

	expired := mustTestJWT(t, "dev-secret", "Operator", []string{"threads:read"}, time.Now().Add(-time.Minute))
	resp = doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/threads",
		headers: map[string]string{
			"Authorization":    "Bearer " + expired,
			"X-Correlation-Id": "corr_scope_3",
		},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d (%s)", resp.Code, resp.Body.String())
	}

	noCorrelation := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/v1/threads",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if noCorrelation.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", noCorrelation.Code)
	}
}

func TestThreadLifecycleOverAPI(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})
	token := mustTestJWT(t, "dev-secret", "Operator", []string{"threads:read", "threads:write", "logs:read", "logs:write"}, time.Now().Add(time.Hour))
	headers := func(corr string) map[string]string {
		return map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": corr}
	}

	contact := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads",
		headers: headers("corr_contact"),
		body:    map[string]any{"recipientId": testRecipientID},
	})
	if contact.Code != http.StatusCreated {
		t.Fatalf("expected 201 on contact, got %d (%s)", contact.Code, contact.Body.String())
	}
	thread := env.waitForThread(t, testRecipientID)
	channelID := thread.ChannelID()

	duplicate := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads",
		headers: headers("corr_contact_dup"),
		body:    map[string]any{"recipientId": testRecipientID},
	})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate contact, got %d (%s)", duplicate.Code, duplicate.Body.String())
	}

	list := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/threads", headers: headers("corr_list")})
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d (%s)", list.Code, list.Body.String())
	}
	var listed struct {
		Threads []modmail.ThreadInfo `json:"threads"`
		Count   int                  `json:"count"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listed.Count != 1 || listed.Threads[0].ChannelID != channelID || listed.Threads[0].State != "ready" {
		t.Fatalf("unexpected thread list: %+v", listed)
	}

	reply := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads/" + channelID + "/reply",
		headers: headers("corr_reply"),
		body:    map[string]any{"content": "hello there"},
	})
	if reply.Code != http.StatusOK {
		t.Fatalf("expected 200 on reply, got %d (%s)", reply.Code, reply.Body.String())
	}
	var replied modmail.CommandResult
	if err := json.NewDecoder(reply.Body).Decode(&replied); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !replied.Delivered || replied.MessageID == "" {
		t.Fatalf("expected delivered reply with message id, got %+v", replied)
	}
	dms := env.platform.DMMessages(testRecipientID)
	if len(dms) == 0 || len(dms[len(dms)-1].Embeds) == 0 || dms[len(dms)-1].Embeds[0].Description != "hello there" {
		t.Fatalf("expected reply to reach the recipient, got %+v", dms)
	}

	emptyReply := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads/" + channelID + "/reply",
		headers: headers("corr_reply_empty"),
		body:    map[string]any{"content": "  "},
	})
	if emptyReply.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on empty reply, got %d", emptyReply.Code)
	}

	note := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads/" + channelID + "/note",
		headers: headers("corr_note"),
		body:    map[string]any{"content": "checked their history"},
	})
	if note.Code != http.StatusOK {
		t.Fatalf("expected 200 on note, got %d (%s)", note.Code, note.Body.String())
	}

	sub := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads/" + channelID + "/subscriptions",
		headers: headers("corr_sub"),
		body:    map[string]any{"action": "subscribe", "mention": "<@300000000000000001>"},
	})
	if sub.Code != http.StatusOK || !strings.Contains(sub.Body.String(), `"changed":true`) {
		t.Fatalf("expected subscription change, got %d (%s)", sub.Code, sub.Body.String())
	}
	badAction := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads/" + channelID + "/subscriptions",
		headers: headers("corr_sub_bad"),
		body:    map[string]any{"action": "follow", "mention": "<@300000000000000001>"},
	})
	if badAction.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on unknown action, got %d", badAction.Code)
	}

	scheduled := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads/" + channelID + "/close",
		headers: headers("corr_close_later"),
		body:    map[string]any{"after": "1h"},
	})
	if scheduled.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on scheduled close, got %d (%s)", scheduled.Code, scheduled.Body.String())
	}
	if thread.State() != modmail.ThreadClosing {
		t.Fatalf("expected closing state, got %s", thread.State())
	}
	cancelClose := doRequest(t, env.server, request{
		method:  http.MethodDelete,
		path:    "/v1/threads/" + channelID + "/close",
		headers: headers("corr_close_cancel"),
	})
	if cancelClose.Code != http.StatusOK || !strings.Contains(cancelClose.Body.String(), `"changed":true`) {
		t.Fatalf("expected cancelled close, got %d (%s)", cancelClose.Code, cancelClose.Body.String())
	}
	if thread.State() != modmail.ThreadReady {
		t.Fatalf("expected ready state after cancel, got %s", thread.State())
	}

	closeNow := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/threads/" + channelID + "/close",
		headers: headers("corr_close"),
		body:    map[string]any{"message": "resolved"},
	})
	if closeNow.Code != http.StatusOK {
		t.Fatalf("expected 200 on close, got %d (%s)", closeNow.Code, closeNow.Body.String())
	}
	if env.platform.HasChannel(channelID) {
		t.Fatalf("expected thread channel to be deleted")
	}

	logs := doRequest(t, env.server, request{
		method:  http.MethodGet,
		path:    "/v1/logs?recipient=" + testRecipientID,
		headers: headers("corr_logs"),
	})
	if logs.Code != http.StatusOK {
		t.Fatalf("expected 200 on log search, got %d (%s)", logs.Code, logs.Body.String())
	}
	var found struct {
		Logs  []modmail.LogEntry `json:"logs"`
		Count int                `json:"count"`
	}
	if err := json.NewDecoder(logs.Body).Decode(&found); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if found.Count != 1 || found.Logs[0].Open {
		t.Fatalf("expected one closed log, got %+v", found)
	}
	key := found.Logs[0].Key

	entry := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/logs/" + key, headers: headers("corr_log")})
	if entry.Code != http.StatusOK || !strings.Contains(entry.Body.String(), "hello there") {
		t.Fatalf("expected log with reply, got %d (%s)", entry.Code, entry.Body.String())
	}

	page := doRequest(t, env.server, request{method: http.MethodGet, path: "/logs/" + key})
	if page.Code != http.StatusOK {
		t.Fatalf("expected 200 from log viewer, got %d", page.Code)
	}
	if ct := page.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %q", ct)
	}
	if !strings.Contains(page.Body.String(), "hello there") || !strings.Contains(page.Body.String(), "alice") {
		t.Fatalf("expected rendered log to contain the reply and recipient")
	}

	deleted := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/logs/" + key, headers: headers("corr_log_delete")})
	if deleted.Code != http.StatusOK {
		t.Fatalf("expected 200 on log delete, got %d (%s)", deleted.Code, deleted.Body.String())
	}
	again := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/logs/" + key, headers: headers("corr_log_delete_2")})
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", again.Code)
	}
	missing := doRequest(t, env.server, request{method: http.MethodGet, path: "/logs/" + key})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from viewer after delete, got %d", missing.Code)
	}
}

func TestCommandOnUnknownChannel(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})
	token := mustTestJWT(t, "dev-secret", "Operator", []string{"threads:write"}, time.Now().Add(time.Hour))
	resp := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/threads/900000000000000999/note",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_unknown",
		},
		body: map[string]any{"content": "anyone?"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestDeleteAllLogsRequiresConfirm(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})
	token := mustTestJWT(t, "dev-secret", "Operator", []string{"logs:write"}, time.Now().Add(time.Hour))
	headers := map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_purge"}

	resp := doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/logs", headers: headers})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without confirm, got %d", resp.Code)
	}
	resp = doRequest(t, env.server, request{method: http.MethodDelete, path: "/v1/logs?confirm=true", headers: headers})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with confirm, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAdminValidate(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})
	token := mustTestJWT(t, "dev-secret", "Operator", []string{"admin:reconcile"}, time.Now().Add(time.Hour))
	resp := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/admin/validate?skipRepair=true",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_validate",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on validate, got %d (%s)", resp.Code, resp.Body.String())
	}

	migrate := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/admin/migrate-notes",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_migrate",
		},
	})
	if migrate.Code != http.StatusOK || !strings.Contains(migrate.Body.String(), `"migrated":0`) {
		t.Fatalf("expected empty migration, got %d (%s)", migrate.Code, migrate.Body.String())
	}
}

func gatewayEventBody(t *testing.T, messageID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type": "message_create",
		"message": map[string]any{
			"id":        messageID,
			"channelId": "900000000000000500",
			"author":    map[string]any{"id": testRecipientID, "name": "alice"},
			"content":   "I need help",
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func signedGatewayRequest(body []byte, corr, ts, sig string) rawRequest {
	return rawRequest{
		method: http.MethodPost,
		path:   "/v1/internal/gateway-events",
		headers: map[string]string{
			"X-Correlation-Id":    corr,
			"X-Modmail-Timestamp": ts,
			"X-Modmail-Signature": sig,
			"Content-Type":        "application/json",
		},
		body: body,
	}
}

func TestInternalGatewayIngressHMAC(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{DisableWorkers: true})
	body := gatewayEventBody(t, "900000000000000501")
	ts := time.Now().UTC().Format(time.RFC3339)
	sig := mustHMAC("dev-internal-secret", ts+"\n"+string(body))

	okResp := doRawRequest(t, env.server, signedGatewayRequest(body, "corr_gw_1", ts, sig))
	if okResp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for valid gateway event, got %d (%s)", okResp.Code, okResp.Body.String())
	}
	if env.dispatcher.Depth() != 1 {
		t.Fatalf("expected one queued event, got %d", env.dispatcher.Depth())
	}

	replay := doRawRequest(t, env.server, signedGatewayRequest(body, "corr_gw_2", ts, sig))
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed request, got %d (%s)", replay.Code, replay.Body.String())
	}

	bad := doRawRequest(t, env.server, signedGatewayRequest(body, "corr_gw_3", ts, "bad_signature"))
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d (%s)", bad.Code, bad.Body.String())
	}

	staleTs := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	staleSig := mustHMAC("dev-internal-secret", staleTs+"\n"+string(body))
	stale := doRawRequest(t, env.server, signedGatewayRequest(body, "corr_gw_4", staleTs, staleSig))
	if stale.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d (%s)", stale.Code, stale.Body.String())
	}

	invalid := []byte(`{"type":"message_create"}`)
	invalidTs := time.Now().UTC().Format(time.RFC3339)
	invalidResp := doRawRequest(t, env.server, signedGatewayRequest(invalid, "corr_gw_5", invalidTs, mustHMAC("dev-internal-secret", invalidTs+"\n"+string(invalid))))
	if invalidResp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for event without message, got %d (%s)", invalidResp.Code, invalidResp.Body.String())
	}
}

func TestInternalGatewayIngressQueueFull(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{
		DisableWorkers: true,
		Workers:        1,
		QueueCapacity:  1,
	})

	first := gatewayEventBody(t, "900000000000000601")
	firstTs := time.Now().UTC().Format(time.RFC3339)
	firstResp := doRawRequest(t, env.server, signedGatewayRequest(first, "corr_qf_1", firstTs, mustHMAC("dev-internal-secret", firstTs+"\n"+string(first))))
	if firstResp.Code != http.StatusAccepted {
		t.Fatalf("expected first event accepted, got %d (%s)", firstResp.Code, firstResp.Body.String())
	}

	second := gatewayEventBody(t, "900000000000000602")
	secondTs := time.Now().UTC().Format(time.RFC3339)
	secondResp := doRawRequest(t, env.server, signedGatewayRequest(second, "corr_qf_2", secondTs, mustHMAC("dev-internal-secret", secondTs+"\n"+string(second))))
	if secondResp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 when the queue is full, got %d (%s)", secondResp.Code, secondResp.Body.String())
	}
	if secondResp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var errPayload map[string]any
	if err := json.NewDecoder(secondResp.Body).Decode(&errPayload); err != nil {
		t.Fatalf("decode queue-full response: %v", err)
	}
	if errPayload["code"] != "queue_full" {
		t.Fatalf("expected queue_full code, got %v", errPayload["code"])
	}
}

func TestRateLimitingByAgent(t *testing.T) {
	env := newTestEnv(t, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	}, modmail.DispatcherOptions{})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"threads:read"}, time.Now().Add(time.Hour))
	other := mustTestJWT(t, "dev-secret", "Worker2", []string{"threads:read"}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, env.server, request{
			method: http.MethodGet,
			path:   "/v1/threads",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/threads",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rate_denied",
		},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After of 30 seconds, got %q", denied.Header().Get("Retry-After"))
	}

	otherResp := doRequest(t, env.server, request{
		method: http.MethodGet,
		path:   "/v1/threads",
		headers: map[string]string{
			"Authorization":    "Bearer " + other,
			"X-Correlation-Id": "corr_rate_other",
		},
	})
	if otherResp.Code != http.StatusOK {
		t.Fatalf("expected a different agent to be allowed, got %d", otherResp.Code)
	}
}

func TestEventsWebsocketFeed(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, modmail.DispatcherOptions{})
	ts := httptest.NewServer(env.server)
	defer ts.Close()
	token := mustTestJWT(t, "dev-secret", "Watcher", []string{"events:read"}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws?thread=" + testRecipientID + "&access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_ = env.hub.Publish(ctx, events.New(events.ThreadReply, "200000000000000999"))
	_ = env.hub.Publish(ctx, events.New(events.ThreadReady, testRecipientID))

	var got events.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != events.ThreadReady || got.ThreadID != testRecipientID {
		t.Fatalf("expected filtered thread_ready event, got %+v", got)
	}

	_, _, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events/ws", nil)
	if err == nil {
		t.Fatalf("expected unauthenticated dial to fail")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, agentName string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, agentName, scopes, "modmail", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, agentName string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_name": agentName,
		"scopes":     scopes,
		"exp":        exp.Unix(),
		"aud":        aud,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
