package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/QuotePipe/internal/flow"
	"github.com/BTreeMap/QuotePipe/internal/store"
	"github.com/BTreeMap/QuotePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for QuotePipe state data
	DefaultStateDir = "/var/lib/quotepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "quotepipe.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsapp.db"
	// DefaultFlowFile is the flow definition loaded when none is configured
	DefaultFlowFile = "flows/chatbot-flujo.json"
	// DefaultAPIAddr is the HTTP listen address
	DefaultAPIAddr = ":8080"
)

// Session backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Messaging providers.
const (
	ProviderTwilio   = "twilio"
	ProviderWhatsApp = "whatsapp"
)

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	RedisAddrs      []string
	RedisPassword   string
	RedisDB         int
	SessionBackend  string
	SessionTTL      time.Duration
	DedupTTL        time.Duration
	SessionFallback bool
	FlowFile        string
	Greetings       []string
	ResetKeyword    string
	ImplicitEntry   bool
	Workers         int

	Provider         string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioValidate   bool
	TwilioWebhookURL string
	WhatsAppDSN      string

	AdminWhatsApp string
	AdminEmails   []string
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SMTPFrom      string

	BusinessName  string
	BusinessPhone string
	BusinessEmail string
	PublicBaseURL string
	GotenbergURL  string
	TemplatesDir  string

	APIAddr    string
	AdminToken string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	redisAddr      *string
	sessionBackend *string
	sessionTTL     *time.Duration
	dedupTTL       *time.Duration
	flowFile       *string
	provider       *string
	qrOutput       *string
	numeric        *bool
	apiAddr        *string
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:        envOr("QUOTEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddrs:      util.ParseListEnv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         util.ParseIntEnv("REDIS_DB", 0),
		SessionBackend:  strings.ToLower(os.Getenv("SESSION_BACKEND")),
		SessionTTL:      util.ParseDurationEnv("SESSION_TTL", store.DefaultSessionTTL),
		DedupTTL:        util.ParseDurationEnv("DEDUP_TTL", store.DefaultDedupTTL),
		SessionFallback: util.ParseBoolEnv("SESSION_FALLBACK_MEMORY", true),
		FlowFile:        envOr("FLOW_FILE", DefaultFlowFile),
		Greetings:       flow.ParseKeywordList(os.Getenv("GREETING_KEYWORDS")),
		ResetKeyword:    os.Getenv("RESET_KEYWORD"),
		ImplicitEntry:   util.ParseBoolEnv("IMPLICIT_ENTRY", false),
		Workers:         util.ParseIntEnv("INBOUND_WORKERS", 0),

		Provider:         strings.ToLower(envOr("MESSAGING_PROVIDER", ProviderTwilio)),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioValidate:   util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),

		AdminWhatsApp: os.Getenv("ADMIN_WHATSAPP"),
		AdminEmails:   util.ParseListEnv("ADMIN_EMAIL"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPPort:      util.ParseIntEnv("SMTP_PORT", 465),
		SMTPUser:      os.Getenv("SMTP_USER"),
		SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:      os.Getenv("SMTP_FROM"),

		BusinessName:  envOr("BUSINESS_NAME", "Smart Plagas"),
		BusinessPhone: os.Getenv("BUSINESS_PHONE"),
		BusinessEmail: os.Getenv("BUSINESS_EMAIL"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		GotenbergURL:  os.Getenv("GOTENBERG_URL"),
		TemplatesDir:  os.Getenv("TEMPLATES_DIR"),

		APIAddr:    envOr("API_ADDR", DefaultAPIAddr),
		AdminToken: os.Getenv("ADMIN_TOKEN"),
	}

	if config.SessionBackend == "" {
		config.SessionBackend = BackendMemory
		if len(config.RedisAddrs) > 0 {
			config.SessionBackend = BackendRedis
		}
	}
	if config.SMTPFrom == "" {
		config.SMTPFrom = config.SMTPUser
	}

	slog.Debug("environment variables loaded",
		"QUOTEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddrs,
		"SESSION_BACKEND", config.SessionBackend,
		"FLOW_FILE", config.FlowFile,
		"MESSAGING_PROVIDER", config.Provider,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"ADMIN_WHATSAPP_SET", config.AdminWhatsApp != "",
		"SMTP_HOST", config.SMTPHost,
		"GOTENBERG_URL", config.GotenbergURL,
		"API_ADDR", config.APIAddr,
		"ADMIN_TOKEN_SET", config.AdminToken != "")

	return config
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for QuotePipe data (overrides $QUOTEPIPE_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", config.DatabaseURL, "sqlite path or postgres DSN for leads (overrides $DATABASE_URL)"),
		redisAddr:      fs.String("redis-addr", strings.Join(config.RedisAddrs, ","), "comma separated redis addresses (overrides $REDIS_ADDR)"),
		sessionBackend: fs.String("session-backend", config.SessionBackend, "session store: memory, redis or sql (overrides $SESSION_BACKEND)"),
		sessionTTL:     fs.Duration("session-ttl", config.SessionTTL, "idle session lifetime (overrides $SESSION_TTL)"),
		dedupTTL:       fs.Duration("dedup-ttl", config.DedupTTL, "how long message ids are remembered (overrides $DEDUP_TTL)"),
		flowFile:       fs.String("flow-file", config.FlowFile, "JSON flow definition (overrides $FLOW_FILE)"),
		provider:       fs.String("provider", config.Provider, "messaging provider: twilio or whatsapp (overrides $MESSAGING_PROVIDER)"),
		qrOutput:       fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Default the lead database into the (possibly overridden) state directory.
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	switch *flags.sessionBackend {
	case BackendMemory, BackendRedis, BackendSQL:
	default:
		return Flags{}, fmt.Errorf("unknown session backend %q", *flags.sessionBackend)
	}
	if *flags.sessionBackend == BackendRedis && strings.TrimSpace(*flags.redisAddr) == "" {
		return Flags{}, fmt.Errorf("session backend redis requires -redis-addr or $REDIS_ADDR")
	}
	switch *flags.provider {
	case ProviderTwilio, ProviderWhatsApp:
	default:
		return Flags{}, fmt.Errorf("unknown messaging provider %q", *flags.provider)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"sessionBackend", *flags.sessionBackend,
		"flowFile", *flags.flowFile,
		"provider", *flags.provider,
		"apiAddr", *flags.apiAddr)
	return flags, nil
}

// staticDir is served under /static/; quotes are written to its quotes subdirectory.
func (f Flags) staticDir() string {
	return filepath.Join(*f.stateDir, "static")
}

func (f Flags) whatsAppDSN(config Config) string {
	if config.WhatsAppDSN != "" {
		return config.WhatsAppDSN
	}
	return "file:" + filepath.Join(*f.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}
