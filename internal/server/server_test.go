package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:        testJWTSecret,
			AllowActorHeader: true,
		},
	})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func asCreator() map[string]string    { return map[string]string{"X-Actor-Id": "alice"} }
func asFreelancer() map[string]string { return map[string]string{"X-Actor-Id": "bob"} }

func createMission(t *testing.T, srv *testServer) domain.Mission {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":             "Ship the landing page",
		"payment_amount":    1000,
		"delivery_deadline": time.Now().Add(7 * 24 * time.Hour).Unix(),
		"validation_period": 3600,
	}, asCreator())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission: %d %s", res.StatusCode, string(data))
	}
	var m domain.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}
	return m
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	m := createMission(t, srv)
	base := srv.URL + "/v0/missions/1"

	res, data := doJSON(t, client, http.MethodPost, base+"/fund", map[string]any{"amount": 1000}, asCreator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fund: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/accept", nil, asFreelancer())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/deliver", nil, asFreelancer())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliver: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, asCreator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal approved: %v", err)
	}
	if m.Status != domain.StatusApproved || m.EscrowedAmount != 0 {
		t.Fatalf("unexpected approved mission: %+v", m)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/ledger", nil, asCreator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ledger: %d %s", res.StatusCode, string(data))
	}
	var ledger []domain.LedgerEntry
	_ = json.Unmarshal(data, &ledger)
	if len(ledger) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(ledger))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/transitions", nil, asCreator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions: %d %s", res.StatusCode, string(data))
	}
	var transitions []domain.Transition
	_ = json.Unmarshal(data, &transitions)
	if len(transitions) != 5 {
		t.Fatalf("expected 5 transitions, got %d", len(transitions))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, asCreator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	_ = json.Unmarshal(data, &status)
	if status.MissionsCount != 1 || status.EscrowedTotal != 0 || status.CustodyHeld != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Administrator != "admin" {
		t.Fatalf("administrator %q", status.Administrator)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createMission(t, srv)
	base := srv.URL + "/v0/missions/1"

	// deposit mismatch
	res, data := doJSON(t, client, http.MethodPost, base+"/fund", map[string]any{"amount": 999}, asCreator())
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "wrong_amount" {
		t.Fatalf("wrong amount: %d %s", res.StatusCode, string(data))
	}

	// role violation
	res, data = doJSON(t, client, http.MethodPost, base+"/fund", map[string]any{"amount": 1000}, asFreelancer())
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "unauthorized" {
		t.Fatalf("unauthorized: %d %s", res.StatusCode, string(data))
	}

	// status precondition
	res, data = doJSON(t, client, http.MethodPost, base+"/approve", nil, asCreator())
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_state" {
		t.Fatalf("invalid state: %d %s", res.StatusCode, string(data))
	}

	// malformed input
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"title":             "free work",
		"payment_amount":    0,
		"delivery_deadline": time.Now().Add(time.Hour).Unix(),
	}, asCreator())
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_argument" {
		t.Fatalf("invalid argument: %d %s", res.StatusCode, string(data))
	}

	// unknown mission
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/99", nil, asCreator())
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("not found: %d %s", res.StatusCode, string(data))
	}
}

func TestListMissionsFilter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createMission(t, srv)
	createMission(t, srv)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/1/fund", map[string]any{"amount": 1000}, asCreator())

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions?status=funded", nil, asCreator())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var items []domain.Mission
	_ = json.Unmarshal(data, &items)
	if len(items) != 1 || items[0].ID != 1 {
		t.Fatalf("unexpected filtered list: %+v", items)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me map[string]string
	_ = json.Unmarshal(data, &me)
	if me["actor_id"] != "alice" || me["source"] != "jwt" {
		t.Fatalf("unexpected principal: %v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	secret := uuid.New().String()
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:      uuid.New().String(),
		ActorID: "bob",
		Name:    "ci",
		KeyHash: repo.HashAPIKey(secret),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": secret,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me map[string]string
	_ = json.Unmarshal(data, &me)
	if me["actor_id"] != "bob" || me["source"] != "api_key" {
		t.Fatalf("unexpected principal: %v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIConcurrentFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	bodies := make([][]byte, 4)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/openapi.json", nil)
			if err != nil {
				return
			}
			res, err := client.Do(req)
			if err != nil {
				return
			}
			defer res.Body.Close()
			if res.StatusCode == http.StatusOK {
				bodies[i], _ = io.ReadAll(res.Body)
			}
		}(i)
	}
	wg.Wait()
	for i, body := range bodies {
		if len(body) == 0 {
			t.Fatalf("request %d got no document", i)
		}
		if !bytes.Equal(body, bodies[0]) {
			t.Fatalf("request %d served a different document", i)
		}
	}
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	// header fallback off: every endpoint but the open set requires credentials
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer func() {
		srv.Shutdown(context.Background())
		ln.Close()
	}()
	url := "http://" + ln.Addr().String()
	client := &http.Client{}

	res, data := doJSON(t, client, http.MethodGet, url+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, url+"/v0/missions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
}
