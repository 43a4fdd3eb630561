package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/api"
	"github.com/BTreeMap/CheckinPipe/internal/lockfile"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/BTreeMap/CheckinPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CheckinPipe/internal/util"
	"github.com/BTreeMap/CheckinPipe/internal/whatsapp"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CheckinPipe state data
	DefaultStateDir = "/var/lib/checkinpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "checkinpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

var validate = validator.New()

// Config holds the resolved configuration: environment, then flags, then defaults.
type Config struct {
	StateDir         string        `default:"/var/lib/checkinpipe" validate:"required"`
	ApplicationDBDSN string        `validate:"required"`
	WhatsAppDBDSN    string        `validate:"required_if=Transport whatsapp"`
	APIAddr          string        `default:":8080" validate:"required"`
	Transport        string        `default:"none" validate:"oneof=whatsapp twilio none"`
	TwilioAccountSID string        `validate:"required_if=Transport twilio"`
	TwilioAuthToken  string        `validate:"required_if=Transport twilio"`
	TwilioFromNumber string        `validate:"required_if=Transport twilio"`
	TwilioWebhookURL string        `validate:"omitempty,url"`
	Timezone         string        `default:"America/Sao_Paulo" validate:"required"`
	ReminderAfter    time.Duration `default:"3h" validate:"gt=0"`
	SessionTimeout   time.Duration `default:"48h" validate:"gtfield=ReminderAfter"`
	LogLevel         string        `default:"debug" validate:"oneof=debug info warn error"`
	FlowFile         string
	LintStrict       bool
	QROutput         string
	NumericCode      bool
}

func main() {
	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	if err := run(config); err != nil {
		slog.Error("CheckinPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CheckinPipe exited successfully")
}

// run validates config, locks the state directory and serves until interrupted.
func run(config Config) error {
	if err := validateConfig(config); err != nil {
		return err
	}
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return fmt.Errorf("invalid CHECKIN_TIMEZONE %q: %w", config.Timezone, err)
	}

	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(config); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storeOpts := buildStoreOptions(config)
	waOpts := buildWhatsAppOptions(config)
	twilioOpts := buildTwilioOptions(config)
	apiOpts := buildAPIOptions(config, loc)

	slog.Info("Bootstrapping CheckinPipe with configured modules", "transport", config.Transport)
	slog.Debug("Module options counts", "store", len(storeOpts), "whatsapp", len(waOpts), "twilio", len(twilioOpts), "api", len(apiOpts))
	return api.Run(ctx, storeOpts, waOpts, twilioOpts, apiOpts)
}

// initializeLogger sets up structured logging at level, defaulting to debug.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("CHECKIN_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          os.Getenv("API_ADDR"),
		Transport:        strings.ToLower(strings.TrimSpace(os.Getenv("CHECKIN_TRANSPORT"))),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		FlowFile:         os.Getenv("CHECKIN_FLOW_FILE"),
		Timezone:         os.Getenv("CHECKIN_TIMEZONE"),
		LintStrict:       util.ParseBoolEnv("CHECKIN_LINT_STRICT", false),
		ReminderAfter:    util.ParseDurationEnv("CHECKIN_REMINDER_AFTER", 0),
		SessionTimeout:   util.ParseDurationEnv("CHECKIN_SESSION_TIMEOUT", 0),
		LogLevel:         strings.ToLower(os.Getenv("LOG_LEVEL")),
	}

	// DATABASE_URL is the legacy name of DATABASE_DSN
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}

	if err := defaults.Set(&config); err != nil {
		slog.Warn("failed to apply configuration defaults", "error", err)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"CHECKIN_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"API_ADDR", config.APIAddr,
		"CHECKIN_TRANSPORT", config.Transport,
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"CHECKIN_FLOW_FILE", config.FlowFile,
		"CHECKIN_TIMEZONE", config.Timezone)
	return config
}

// parseCommandLineFlags applies command line overrides to config. Database paths derived
// from the state directory follow a -state-dir override.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := flag.NewFlagSet("CheckinPipe", flag.ContinueOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for CheckinPipe data (overrides $CHECKIN_STATE_DIR)")
	appDSN := fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN)")
	waDSN := fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	transport := fs.String("transport", config.Transport, "chat transport: whatsapp, twilio or none (overrides $CHECKIN_TRANSPORT)")
	flowFile := fs.String("flow-file", config.FlowFile, "flow definition file, YAML or JSON (overrides $CHECKIN_FLOW_FILE)")
	timezone := fs.String("timezone", config.Timezone, "timezone of check-in dates (overrides $CHECKIN_TIMEZONE)")
	lintStrict := fs.Bool("lint-strict", config.LintStrict, "reject a flow definition with lint findings (overrides $CHECKIN_LINT_STRICT)")
	logLevel := fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	qrOutput := fs.String("qr-output", config.QROutput, "path to write the WhatsApp login QR code")
	numeric := fs.Bool("numeric-code", config.NumericCode, "print the WhatsApp login code instead of a QR code")
	if err := fs.Parse(args); err != nil {
		return config, err
	}

	if *stateDir != config.StateDir {
		if *appDSN == defaultAppDSN(config.StateDir) {
			*appDSN = defaultAppDSN(*stateDir)
		}
		if *waDSN == defaultWhatsAppDSN(config.StateDir) {
			*waDSN = defaultWhatsAppDSN(*stateDir)
		}
		slog.Debug("Updated database DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *stateDir)
	}

	config.StateDir = *stateDir
	config.ApplicationDBDSN = *appDSN
	config.WhatsAppDBDSN = *waDSN
	config.APIAddr = *apiAddr
	config.Transport = strings.ToLower(*transport)
	config.FlowFile = *flowFile
	config.Timezone = *timezone
	config.LintStrict = *lintStrict
	config.LogLevel = strings.ToLower(*logLevel)
	config.QROutput = *qrOutput
	config.NumericCode = *numeric
	return config, nil
}

// validateConfig checks the validate tags of config.
func validateConfig(config Config) error {
	err := validate.Struct(config)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed validation: %v (rule: %s)", fe.Field(), fe.Value(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// ensureDirectoriesExist creates the parent directories of file-based databases
func ensureDirectoriesExist(config Config) error {
	dsns := []string{config.ApplicationDBDSN}
	if config.Transport == api.TransportWhatsApp {
		dsns = append(dsns, config.WhatsAppDBDSN)
	}
	for _, dsn := range dsns {
		if store.DetectDSNType(dsn) == store.DSNTypePostgres {
			continue
		}
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.ApplicationDBDSN) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(config.ApplicationDBDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.ApplicationDBDSN)
	return []store.Option{store.WithSQLiteDSN(config.ApplicationDBDSN)}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, loc *time.Location) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithTransport(config.Transport),
		api.WithFlowFile(config.FlowFile),
		api.WithStrictLint(config.LintStrict),
		api.WithLocation(loc),
		api.WithChatTimers(config.ReminderAfter, config.SessionTimeout),
	}
	if config.Transport == api.TransportTwilio && config.TwilioWebhookURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(config.TwilioAuthToken, config.TwilioWebhookURL))
	}
	return apiOpts
}
