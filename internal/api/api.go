// Package api provides the HTTP server and the main wiring logic for CheckinPipe.
//
// It exposes REST endpoints for check-in sessions, patients, check-ins and phone
// resolution, receives Twilio webhooks, and connects the chat transports to the
// check-in service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/checkin"
	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/messaging"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
	"github.com/BTreeMap/CheckinPipe/internal/store"
	"github.com/BTreeMap/CheckinPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CheckinPipe/internal/whatsapp"
)

// Default server settings.
const (
	DefaultServerAddress   = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultJobPollInterval = 30 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Chat transports accepted by WithTransport.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportNone     = "none"
)

// Opts holds configuration for the API server and the components it wires.
type Opts struct {
	Addr            string
	Transport       string
	FlowFile        string
	StrictLint      bool
	Location        *time.Location
	ReminderAfter   time.Duration
	SessionTimeout  time.Duration
	JobPollInterval time.Duration
	WebhookToken    string
	WebhookURL      string
	DefaultMessage  string
}

// Option configures Run.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTransport selects the chat transport: whatsapp, twilio or none.
func WithTransport(name string) Option {
	return func(o *Opts) {
		o.Transport = name
	}
}

// WithFlowFile sets the flow definition file. Empty uses the built-in definition.
func WithFlowFile(path string) Option {
	return func(o *Opts) {
		o.FlowFile = path
	}
}

// WithStrictLint rejects a flow definition file with lint findings.
func WithStrictLint(strict bool) Option {
	return func(o *Opts) {
		o.StrictLint = strict
	}
}

// WithLocation sets the timezone check-in dates are computed in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithChatTimers sets how long a chat session may idle before a reminder and before it expires.
func WithChatTimers(reminderAfter, sessionTimeout time.Duration) Option {
	return func(o *Opts) {
		o.ReminderAfter = reminderAfter
		o.SessionTimeout = sessionTimeout
	}
}

// WithJobPollInterval sets how often due chat jobs are claimed.
func WithJobPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.JobPollInterval = d
	}
}

// WithTwilioWebhook enables signature validation of Twilio webhooks posted to publicURL.
func WithTwilioWebhook(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.WebhookToken = authToken
		o.WebhookURL = publicURL
	}
}

// WithDefaultMessage sets the reply to messages no hook handles.
func WithDefaultMessage(msg string) Option {
	return func(o *Opts) {
		o.DefaultMessage = msg
	}
}

// Run builds the store, the check-in service and the configured chat transport, then serves
// HTTP until ctx is cancelled.
func Run(ctx context.Context, storeOpts []store.Option, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:            DefaultServerAddress,
		Transport:       TransportNone,
		ReminderAfter:   messaging.DefaultReminderAfter,
		SessionTimeout:  messaging.DefaultSessionTimeout,
		JobPollInterval: DefaultJobPollInterval,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	var so store.Opts
	for _, opt := range storeOpts {
		opt(&so)
	}
	st, err := store.Open(so.DSN)
	if err != nil {
		slog.Error("Run: failed to open store", "error", err)
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			slog.Warn("Run: failed to close store", "error", cerr)
		}
	}()

	def := flow.LoadDefinitionFile(cfg.FlowFile, flow.WithStrictLint(cfg.StrictLint))
	resolver := phone.NewResolver(st)
	svc := checkin.NewService(flow.NewEngine(def), flow.NewStoreBasedStateManager(st, def), resolver, st,
		checkin.WithLocation(cfg.Location))
	slog.Info("Run: check-in service ready", "definition", def.Name(), "steps", def.Len())

	msgService, err := newMessagingService(cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}
	if msgService != nil {
		if err := msgService.Start(ctx); err != nil {
			slog.Error("Run: failed to start messaging service", "transport", cfg.Transport, "error", err)
			return fmt.Errorf("failed to start %s transport: %w", cfg.Transport, err)
		}
		defer func() {
			if serr := msgService.Stop(); serr != nil {
				slog.Warn("Run: failed to stop messaging service", "error", serr)
			}
		}()
		startChat(ctx, cfg, st, svc, msgService)
	}

	server := NewServer(st, svc, resolver, msgService)
	return server.ListenAndServe(ctx, cfg.Addr)
}

// newMessagingService creates the transport selected in cfg, or nil for none.
func newMessagingService(cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, error) {
	switch cfg.Transport {
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			slog.Error("Run: failed to create WhatsApp client", "error", err)
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			slog.Error("Run: failed to create Twilio client", "error", err)
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.WebhookToken != "" && cfg.WebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(cfg.WebhookToken, cfg.WebhookURL))
		} else {
			slog.Warn("Run: Twilio webhook signature validation disabled")
		}
		return messaging.NewTwilioService(client, opts...), nil
	case TransportNone, "":
		slog.Info("Run: no chat transport configured, serving the REST API only")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// startChat routes inbound messages to the check-in chat hook and runs its jobs.
func startChat(ctx context.Context, cfg Opts, st store.Store, svc *checkin.Service, msgService messaging.Service) {
	handlerOpts := []messaging.HandlerOption{messaging.WithRecorder(st)}
	if dedup, ok := st.(store.DedupRepo); ok {
		handlerOpts = append(handlerOpts, messaging.WithDedup(dedup))
	}
	rh := messaging.NewResponseHandler(msgService, handlerOpts...)
	if cfg.DefaultMessage != "" {
		rh.SetDefaultMessage(cfg.DefaultMessage)
	}

	chatOpts := []messaging.ChatOption{
		messaging.WithReminderAfter(cfg.ReminderAfter),
		messaging.WithSessionTimeout(cfg.SessionTimeout),
	}
	jobs, hasJobs := st.(store.JobRepo)
	if hasJobs {
		chatOpts = append(chatOpts, messaging.WithJobs(jobs))
	}
	hook := messaging.NewChatHook(svc, msgService, chatOpts...)
	rh.SetFallbackHook(hook.Handle)
	rh.Start(ctx)

	if !hasJobs {
		slog.Warn("Run: store has no job queue, chat reminders and retries disabled")
		return
	}
	runner := store.NewJobRunner(jobs, cfg.JobPollInterval)
	hook.RegisterJobHandlers(runner)
	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("Run: failed to recover stale jobs", "error", err)
	}
	go runner.Run(ctx)
}

// ListenAndServe serves the API on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("CheckinPipe API listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.ListenAndServe: server failed", "error", err)
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.ListenAndServe: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.ListenAndServe: graceful shutdown failed", "error", err)
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
