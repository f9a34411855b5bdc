package main

import (
	"context"
	"flag"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/messaging"
	"github.com/BTreeMap/QuotePipe/internal/metrics"
	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/twiliowhatsapp"
)

// defaultFlowPath is the shipped flow relative to this package.
var defaultFlowPath = filepath.Join("..", "..", DefaultFlowFile)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"QUOTEPIPE_STATE_DIR", "DATABASE_URL", "REDIS_ADDR", "SESSION_BACKEND", "SESSION_TTL", "DEDUP_TTL",
		"SESSION_FALLBACK_MEMORY", "FLOW_FILE", "GREETING_KEYWORDS", "RESET_KEYWORD", "IMPLICIT_ENTRY",
		"MESSAGING_PROVIDER", "TWILIO_VALIDATE_SIGNATURE", "WHATSAPP_DB_DSN", "ADMIN_EMAIL", "SMTP_USER", "SMTP_FROM", "API_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func parse(t *testing.T, config Config, args ...string) (Flags, error) {
	t.Helper()
	fs := flag.NewFlagSet("quotepipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseCommandLineFlags(fs, args, config)
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", config.StateDir, DefaultStateDir)
	}
	if config.SessionBackend != BackendMemory {
		t.Errorf("SessionBackend = %q, want memory", config.SessionBackend)
	}
	if config.Provider != ProviderTwilio {
		t.Errorf("Provider = %q, want twilio", config.Provider)
	}
	if config.FlowFile != DefaultFlowFile || config.APIAddr != DefaultAPIAddr {
		t.Errorf("FlowFile/APIAddr = %q/%q", config.FlowFile, config.APIAddr)
	}
	if !config.SessionFallback || !config.TwilioValidate || config.ImplicitEntry {
		t.Errorf("unexpected boolean defaults: %+v", config)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "redis-a:6379, redis-b:6379")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("GREETING_KEYWORDS", "hola, cotizar")
	t.Setenv("IMPLICIT_ENTRY", "true")
	t.Setenv("ADMIN_EMAIL", "a@example.cl,b@example.cl")
	t.Setenv("SMTP_USER", "bot@example.cl")
	t.Setenv("MESSAGING_PROVIDER", "WhatsApp")

	config := loadEnvironmentConfig()
	if config.SessionBackend != BackendRedis {
		t.Errorf("REDIS_ADDR should select the redis backend, got %q", config.SessionBackend)
	}
	if len(config.RedisAddrs) != 2 || config.RedisAddrs[1] != "redis-b:6379" {
		t.Errorf("RedisAddrs = %q", config.RedisAddrs)
	}
	if config.SessionTTL != 2*time.Hour {
		t.Errorf("SessionTTL = %v", config.SessionTTL)
	}
	if len(config.Greetings) != 2 || !config.ImplicitEntry {
		t.Errorf("keywords = %q implicit = %v", config.Greetings, config.ImplicitEntry)
	}
	if len(config.AdminEmails) != 2 || config.SMTPFrom != "bot@example.cl" {
		t.Errorf("mail config = %q from %q", config.AdminEmails, config.SMTPFrom)
	}
	if config.Provider != ProviderWhatsApp {
		t.Errorf("Provider = %q", config.Provider)
	}
}

func TestParseCommandLineFlagsStateDir(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()
	dir := t.TempDir()

	flags, err := parse(t, config, "-state-dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, DefaultDBFileName); *flags.dbDSN != want {
		t.Errorf("dbDSN = %q, want %q", *flags.dbDSN, want)
	}
	if want := filepath.Join(dir, "static"); flags.staticDir() != want {
		t.Errorf("staticDir = %q", flags.staticDir())
	}
	if dsn := flags.whatsAppDSN(config); !strings.Contains(dsn, filepath.Join(dir, DefaultWhatsAppDBFileName)) || !strings.Contains(dsn, "_foreign_keys=on") {
		t.Errorf("whatsAppDSN = %q", dsn)
	}

	flags, err = parse(t, config, "-db-dsn", "postgres://u:p@db/quotes")
	if err != nil {
		t.Fatal(err)
	}
	if *flags.dbDSN != "postgres://u:p@db/quotes" {
		t.Errorf("explicit dbDSN overridden: %q", *flags.dbDSN)
	}
}

func TestParseCommandLineFlagsRejectsBadValues(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()
	cases := map[string][]string{
		"unknown backend":  {"-session-backend", "etcd"},
		"redis no address": {"-session-backend", "redis"},
		"unknown provider": {"-provider", "telegram"},
		"bad duration":     {"-session-ttl", "soon"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parse(t, config, args...); err == nil {
				t.Errorf("expected error for %v", args)
			}
		})
	}
}

func TestBuildProviderOptions(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()
	flags, err := parse(t, config, "-state-dir", t.TempDir(), "-qr-output", "/tmp/qr.txt", "-numeric-code")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(buildWhatsAppOptions(config, flags)); n != 3 {
		t.Errorf("whatsapp options = %d, want 3", n)
	}
	if n := len(buildTwilioOptions(Config{TwilioSID: "AC1", TwilioToken: "tok"})); n != 2 {
		t.Errorf("twilio options = %d, want 2", n)
	}
}

func TestBuildStoresSQLBackend(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()
	flags, err := parse(t, config, "-state-dir", t.TempDir(), "-session-backend", "sql")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := buildStores(ctx, config, flags)
	if err != nil {
		t.Fatalf("buildStores: %v", err)
	}
	defer st.Close()
	if any(st.sessions) != any(st.leads) {
		t.Error("sql backend should serve sessions from the lead database")
	}
	if st.sessionsFallback == nil || st.dedupFallback == nil {
		t.Error("memory fallback should be configured by default")
	}
}

// TestDefaultFlowEndToEnd drives the shipped flow through the response handler
// and quote pipeline with a mocked Twilio client.
func TestDefaultFlowEndToEnd(t *testing.T) {
	clearEnv(t)
	config := loadEnvironmentConfig()
	config.PublicBaseURL = "https://bot.example.cl"
	config.AdminWhatsApp = "+56900000000"
	flags, err := parse(t, config, "-state-dir", t.TempDir(), "-flow-file", defaultFlowPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	st, err := buildStores(ctx, config, flags)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	m := metrics.New()
	engine, err := buildEngine(config, flags, st, m)
	if err != nil {
		t.Fatalf("default flow failed to load: %v", err)
	}
	mock := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(mock)
	pipeline, err := buildPipeline(config, flags, svc, st.leads, m)
	if err != nil {
		t.Fatal(err)
	}
	handler := messaging.NewResponseHandler(engine, svc, messaging.WithCompletionHandler(pipeline), messaging.WithHandlerRecorder(m))

	answers := []string{"hola", "1", "120", "Ana Pérez", "Av. Siempre Viva 742", "Ñuñoa", "ana@example.cl", "+56 9 1234 5678"}
	var last bool
	for i, body := range answers {
		res, err := handler.ProcessResponse(ctx, models.Response{
			From:      "whatsapp:+56912345678",
			AccountID: "56912345678",
			Body:      body,
			MessageID: "SM" + string(rune('A'+i)),
		})
		if err != nil {
			t.Fatalf("turn %d (%q): %v", i, body, err)
		}
		last = res.Finished
	}
	if !last {
		t.Fatal("default flow did not finish")
	}
	handler.Wait()

	leads, err := st.leads.ListLeads(ctx, 10)
	if err != nil || len(leads) != 1 {
		t.Fatalf("leads = %+v, err = %v", leads, err)
	}
	lead := leads[0]
	if lead.Status != models.LeadStatusQuoted || lead.Service != "plagas" || lead.Total <= 0 {
		t.Errorf("lead = %+v", lead)
	}
	if lead.Data["comuna"] != "Ñuñoa" || lead.Data["email"] != "ana@example.cl" {
		t.Errorf("lead data = %v", lead.Data)
	}
	if !strings.HasPrefix(lead.DocumentURL, "https://bot.example.cl/static/quotes/") {
		t.Errorf("DocumentURL = %q", lead.DocumentURL)
	}

	var media, admin int
	for _, msg := range mock.Messages() {
		if msg.MediaURL != "" {
			media++
		}
		if msg.To == "56900000000" {
			admin++
			if !strings.HasPrefix(msg.Body, "NUEVO CLIENTE") {
				t.Errorf("admin summary = %q", msg.Body)
			}
		}
	}
	if media != 1 || admin != 1 {
		t.Errorf("media sends = %d, admin sends = %d, want 1 each", media, admin)
	}
}
