package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/api"
	"github.com/BTreeMap/QuotePipe/internal/document"
	"github.com/BTreeMap/QuotePipe/internal/flow"
	"github.com/BTreeMap/QuotePipe/internal/lockfile"
	"github.com/BTreeMap/QuotePipe/internal/messaging"
	"github.com/BTreeMap/QuotePipe/internal/metrics"
	"github.com/BTreeMap/QuotePipe/internal/quote"
	"github.com/BTreeMap/QuotePipe/internal/store"
	"github.com/BTreeMap/QuotePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/QuotePipe/internal/whatsapp"
)

// purgeInterval is how often SQL session backends drop expired rows.
const purgeInterval = 10 * time.Minute

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping QuotePipe", "provider", *flags.provider, "session_backend", *flags.sessionBackend, "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("QuotePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("QuotePipe exited successfully")
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// stores is the persistence wiring chosen by configuration.
type stores struct {
	sessions         store.SessionStore
	sessionsFallback store.SessionStore
	dedup            store.DedupRepo
	dedupFallback    store.DedupRepo
	leads            store.LeadRepo
	closers          []io.Closer
}

func (s *stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// sqlBackend is a SQL store usable for leads, sessions and deduplication.
type sqlBackend interface {
	store.SessionStore
	store.DedupRepo
	store.LeadRepo
	io.Closer
	PurgeExpired(ctx context.Context) (int64, error)
}

// openSQL opens the lead database, detecting postgres from the DSN.
func openSQL(dsn string) (sqlBackend, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	lite, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// buildStores opens the lead database and the configured session backend.
func buildStores(ctx context.Context, config Config, flags Flags) (*stores, error) {
	sql, err := openSQL(*flags.dbDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open lead store: %w", err)
	}
	s := &stores{leads: sql, closers: []io.Closer{sql}}

	var mem *store.MemoryStore
	if config.SessionFallback || *flags.sessionBackend == BackendMemory {
		mem = store.NewMemoryStore()
	}

	switch *flags.sessionBackend {
	case BackendRedis:
		opts := []store.Option{store.WithRedisAddrs(strings.Split(*flags.redisAddr, ",")...), store.WithRedisDB(config.RedisDB)}
		if config.RedisPassword != "" {
			opts = append(opts, store.WithPassword(config.RedisPassword))
		}
		redis, err := store.NewRedisStore(ctx, opts...)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, redis)
		s.sessions, s.dedup = redis, redis
	case BackendSQL:
		s.sessions, s.dedup = sql, sql
		go purgeLoop(ctx, sql)
	default:
		s.sessions, s.dedup = mem, mem
	}

	if config.SessionFallback && *flags.sessionBackend != BackendMemory {
		s.sessionsFallback, s.dedupFallback = mem, mem
	}
	return s, nil
}

func purgeLoop(ctx context.Context, backend sqlBackend) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := backend.PurgeExpired(ctx); err != nil {
				slog.Warn("purgeLoop: failed to purge expired rows", "error", err)
			} else if n > 0 {
				slog.Debug("purgeLoop: purged expired rows", "rows", n)
			}
		}
	}
}

// buildEngine loads the flow definition and assembles the engine.
func buildEngine(config Config, flags Flags, st *stores, m *metrics.Metrics) (*flow.Engine, error) {
	defs, err := flow.NewDefinitionStore(*flags.flowFile)
	if err != nil {
		return nil, err
	}
	keywords := flow.DefaultKeywords()
	if len(config.Greetings) > 0 {
		keywords.Greetings = config.Greetings
	}
	if config.ResetKeyword != "" {
		keywords.Reset = config.ResetKeyword
	}
	sessions := flow.NewSessionManager(st.sessions, st.sessionsFallback, *flags.sessionTTL)
	return flow.NewEngine(defs, sessions,
		flow.WithKeywords(keywords),
		flow.WithImplicitEntry(config.ImplicitEntry),
		flow.WithDedupGuard(flow.NewDedupGuard(st.dedup, st.dedupFallback, *flags.dedupTTL)),
		flow.WithRecorder(m),
	), nil
}

// buildMessaging connects the configured provider. twilio is set when inbound
// traffic arrives through the webhook; cleanup releases the connection.
func buildMessaging(ctx context.Context, config Config, flags Flags) (svc messaging.Service, twilio *messaging.TwilioService, cleanup func(), err error) {
	cleanup = func() {}
	switch *flags.provider {
	case ProviderWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return nil, nil, cleanup, err
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	default:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, cleanup, err
		}
		var opts []messaging.TwilioOption
		if config.TwilioValidate {
			opts = append(opts, messaging.WithSignatureValidation(twiliowhatsapp.NewSignatureValidator(config.TwilioToken), config.TwilioWebhookURL))
		} else {
			slog.Warn("Twilio webhook signature validation disabled")
		}
		tw := messaging.NewTwilioService(client, opts...)
		return tw, tw, cleanup, nil
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(flags.whatsAppDSN(config))}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options; unset values fall
// back to the client's own environment lookup.
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

// buildPipeline assembles the quote pipeline that runs when a customer finishes.
func buildPipeline(config Config, flags Flags, sender quote.Sender, leads store.LeadRepo, m *metrics.Metrics) (*quote.Pipeline, error) {
	renderer, err := document.NewRenderer(config.TemplatesDir)
	if err != nil {
		return nil, err
	}
	var converter document.Converter = document.Passthrough{}
	if config.GotenbergURL != "" {
		converter = document.NewGotenbergConverter(config.GotenbergURL)
	}
	files, err := document.NewFileStore(filepath.Join(flags.staticDir(), "quotes"), config.PublicBaseURL)
	if err != nil {
		return nil, err
	}

	opts := []quote.Option{
		quote.WithBusiness(document.Business{Name: config.BusinessName, Phone: config.BusinessPhone, Email: config.BusinessEmail}),
		quote.WithDocuments(renderer, converter, files),
		quote.WithLeadRepo(leads),
		quote.WithRecorder(m),
	}
	if config.AdminWhatsApp != "" {
		opts = append(opts, quote.WithAdminWhatsApp(config.AdminWhatsApp))
	}
	if len(config.AdminEmails) > 0 && config.SMTPHost != "" {
		mailer, err := quote.NewSMTPMailer(quote.SMTPConfig{
			Host:     config.SMTPHost,
			Port:     config.SMTPPort,
			Username: config.SMTPUser,
			Password: config.SMTPPassword,
			From:     config.SMTPFrom,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, quote.WithMailer(mailer), quote.WithAdminEmails(config.AdminEmails...))
	}
	return quote.NewPipeline(sender, opts...), nil
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	m := metrics.New()

	st, err := buildStores(ctx, config, flags)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := buildEngine(config, flags, st, m)
	if err != nil {
		return err
	}

	svc, twilio, cleanup, err := buildMessaging(ctx, config, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	pipeline, err := buildPipeline(config, flags, svc, st.leads, m)
	if err != nil {
		return err
	}

	handlerOpts := []messaging.HandlerOption{
		messaging.WithCompletionHandler(pipeline),
		messaging.WithHandlerRecorder(m),
	}
	if config.Workers > 0 {
		handlerOpts = append(handlerOpts, messaging.WithWorkers(config.Workers))
	}
	handler := messaging.NewResponseHandler(engine, svc, handlerOpts...)

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	handler.Start(ctx)
	go reloadOnHangup(ctx, engine.Definitions(), m)

	apiOpts := []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithAdminToken(config.AdminToken),
		api.WithStaticDir(flags.staticDir()),
		api.WithLeadRepo(st.leads),
		api.WithMetrics(m),
	}
	if twilio != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilio.WebhookHandler))
	}
	serveErr := api.NewServer(engine, apiOpts...).Run(ctx)

	// Answer what was already accepted while the provider can still send.
	handler.Wait()
	svc.Stop()
	return serveErr
}

// reloadOnHangup re-reads the flow file on SIGHUP.
func reloadOnHangup(ctx context.Context, defs *flow.DefinitionStore, m *metrics.Metrics) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			err := defs.Reload()
			m.Reload(err)
			if err != nil {
				slog.Error("SIGHUP flow reload rejected", "error", err)
			}
		}
	}
}
