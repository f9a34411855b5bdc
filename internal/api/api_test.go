package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/flow"
	"github.com/BTreeMap/QuotePipe/internal/messaging"
	"github.com/BTreeMap/QuotePipe/internal/metrics"
	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/store"
	"github.com/BTreeMap/QuotePipe/internal/testutil"
	"github.com/BTreeMap/QuotePipe/internal/twiliowhatsapp"
)

const testFlow = `[
  {"id": 1, "type": "mensaje", "content": "Bienvenido", "nextId": 2},
  {"id": 2, "type": "pregunta", "content": "¿Nombre?", "variableName": "nombre", "nextId": 3},
  {"id": 3, "type": "mensaje", "content": "Gracias {nombre}"}
]`

type testEnv struct {
	server *Server
	mem    *store.MemoryStore
	twilio *messaging.TwilioService
	flow   string
	static string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	flowPath := filepath.Join(dir, "flow.json")
	if err := os.WriteFile(flowPath, []byte(testFlow), 0o644); err != nil {
		t.Fatal(err)
	}
	defs, err := flow.NewDefinitionStore(flowPath)
	if err != nil {
		t.Fatalf("load flow: %v", err)
	}
	mem := store.NewMemoryStore()
	engine := flow.NewEngine(defs, flow.NewSessionManager(mem, nil, time.Hour))
	twilio := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	static := filepath.Join(dir, "static")
	base := []Option{
		WithLeadRepo(mem),
		WithMetrics(metrics.New()),
		WithStaticDir(static),
		WithTwilioWebhook(twilio.WebhookHandler),
	}
	return &testEnv{
		server: NewServer(engine, append(base, opts...)...),
		mem:    mem,
		twilio: twilio,
		flow:   flowPath,
		static: static,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "healthz")
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["flow_nodes"] != float64(3) {
		t.Errorf("health = %v", body)
	}
	if rec := env.do(t, http.MethodPost, "/healthz", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}

func TestSimulateRunsTurnsWithoutSending(t *testing.T) {
	env := newTestEnv(t)
	var res SimulateResult
	rec := env.do(t, http.MethodPost, "/admin/simulate", `{"session_key":"sim-1","body":"hola"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	testutil.AssertAPIStatus(t, rec, models.APIStatusOK, &res)
	if res.Outcome != flow.OutcomeStarted || len(res.Segments) != 2 || res.Segments[1] != "¿Nombre?" {
		t.Fatalf("first turn = %+v", res)
	}

	rec = env.do(t, http.MethodPost, "/admin/simulate", `{"session_key":"sim-1","body":"Ana"}`, nil)
	res = SimulateResult{}
	testutil.AssertAPIStatus(t, rec, models.APIStatusOK, &res)
	if !res.Finished || res.Data["nombre"] != "Ana" || res.Segments[0] != "Gracias Ana" {
		t.Errorf("second turn = %+v", res)
	}

	if rec := env.do(t, http.MethodPost, "/admin/simulate", `{"body":"hola"}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing session_key = %d, want 400", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/admin/simulate", `{`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d, want 400", rec.Code)
	}
}

func TestAdminToken(t *testing.T) {
	env := newTestEnv(t, WithAdminToken("s3cret"))
	if rec := env.do(t, http.MethodGet, "/admin/flow", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/leads", "", map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/admin/flow", "", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", rec.Code)
	}
	// Health and webhook stay public.
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestFlowInfoAndReload(t *testing.T) {
	env := newTestEnv(t)
	var info FlowInfo
	testutil.AssertAPIStatus(t, env.do(t, http.MethodGet, "/admin/flow", "", nil), models.APIStatusOK, &info)
	if info.Nodes != 3 || info.EntryID != "1" || len(info.Graph) != 3 || info.Version != 1 {
		t.Fatalf("flow info = %+v", info)
	}

	// Reload from file picks up edits.
	edited := `[{"id": "a", "type": "mensaje", "content": "Hola"}]`
	if err := os.WriteFile(env.flow, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, http.MethodPost, "/admin/flow/reload", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload from file = %d %s", rec.Code, rec.Body.String())
	}
	var summary flow.Summary
	testutil.AssertAPIStatus(t, rec, models.APIStatusOK, &summary)
	if summary.Nodes != 1 || summary.Version != 2 {
		t.Errorf("summary = %+v", summary)
	}

	// Inline body replaces the graph.
	if rec := env.do(t, http.MethodPost, "/admin/flow/reload", testFlow, nil); rec.Code != http.StatusOK {
		t.Fatalf("reload from body = %d", rec.Code)
	}

	// An invalid definition is rejected and the previous graph stays.
	rec = env.do(t, http.MethodPost, "/admin/flow/reload", `{"not":"an array"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid reload = %d, want 422", rec.Code)
	}
	testutil.AssertAPIStatus(t, rec, models.APIStatusError, nil)
	info = FlowInfo{}
	testutil.AssertAPIStatus(t, env.do(t, http.MethodGet, "/admin/flow", "", nil), models.APIStatusOK, &info)
	if info.Nodes != 3 || info.Version != 3 {
		t.Errorf("after rejected reload = %+v", info.Summary)
	}
}

func TestLeads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i, name := range []string{"Ana", "Luis"} {
		lead := models.Lead{ID: name, SessionKey: "5691234567" + string(rune('0'+i)), Status: models.LeadStatusQuoted, CreatedAt: time.Unix(int64(i), 0)}
		if err := env.mem.SaveLead(ctx, lead); err != nil {
			t.Fatal(err)
		}
	}
	var leads []models.Lead
	rec := env.do(t, http.MethodGet, "/leads?limit=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	testutil.AssertAPIStatus(t, rec, models.APIStatusOK, &leads)
	if len(leads) != 1 {
		t.Errorf("got %d leads, want 1", len(leads))
	}
	if rec := env.do(t, http.MethodGet, "/leads?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestTwilioWebhookRoute(t *testing.T) {
	env := newTestEnv(t)
	form := url.Values{"From": {"whatsapp:+56912345678"}, "Body": {"hola"}, "MessageSid": {"SM1"}}
	rec := env.do(t, http.MethodPost, "/webhook/twilio", form.Encode(), map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<Response>") {
		t.Fatalf("webhook = %d %q", rec.Code, rec.Body.String())
	}
	select {
	case got := <-env.twilio.Responses():
		if got.Body != "hola" || got.MessageID != "SM1" {
			t.Errorf("response = %+v", got)
		}
	default:
		t.Fatal("webhook did not emit a response")
	}
}

func TestStaticAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	quotes := filepath.Join(env.static, "quotes")
	if err := os.MkdirAll(quotes, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(quotes, "COT-1.html"), []byte("<html>cotizacion</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, http.MethodGet, "/static/quotes/COT-1.html", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cotizacion") {
		t.Errorf("static file = %d %q", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/static/quotes/", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("directory listing = %d, want 404", rec.Code)
	}

	env.do(t, http.MethodPost, "/admin/flow/reload", "", nil)
	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "quotepipe_flow_reloads_total") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, WithAddr("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWriteJSONEncodingFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, models.Success(func() {}))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var resp models.APIResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("status field = %q", resp.Status)
	}
}
