package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/store"
)

// ResponseAction defines a hook function that processes a respondent's message.
// It receives the sender's canonical phone number and the message.
// It should return true if the response was handled, false otherwise.
type ResponseAction func(ctx context.Context, from string, response models.Response) (handled bool, err error)

// Recorder persists inbound responses and delivery receipts for auditing.
type Recorder interface {
	AddResponse(ctx context.Context, r models.Response) error
	AddReceipt(ctx context.Context, r models.Receipt) error
}

// Default texts sent by the ResponseHandler.
const (
	DefaultReplyMessage = "Olá! Envie *checkin* para iniciar seu check-in semanal."
	hookErrorMessage    = "⚠️ Tivemos um problema ao processar sua mensagem. Tente novamente em instantes."
)

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithRecorder persists every accepted response and every receipt through r.
func WithRecorder(r Recorder) HandlerOption {
	return func(rh *ResponseHandler) {
		rh.recorder = r
	}
}

// WithDedup drops messages whose transport id was already processed.
func WithDedup(repo store.DedupRepo) HandlerOption {
	return func(rh *ResponseHandler) {
		rh.dedup = repo
	}
}

// ResponseHandler routes incoming responses to the hook registered for the sender, then
// to the fallback hook, and finally answers with the default message.
type ResponseHandler struct {
	// hooks maps canonicalized phone numbers to response action functions
	hooks    map[string]ResponseAction
	fallback ResponseAction
	// mu protects hooks, fallback and defaultMessage
	mu             sync.RWMutex
	msgService     Service
	recorder       Recorder
	dedup          store.DedupRepo
	defaultMessage string
}

// NewResponseHandler creates a new ResponseHandler with the given messaging service.
func NewResponseHandler(msgService Service, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		hooks:          make(map[string]ResponseAction),
		msgService:     msgService,
		defaultMessage: DefaultReplyMessage,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// RegisterHook registers a response action for a specific sender.
func (rh *ResponseHandler) RegisterHook(recipient string, action ResponseAction) error {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("ResponseHandler RegisterHook validation failed", "error", err, "recipient", recipient)
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hooks[canonicalRecipient] = action

	slog.Debug("ResponseHandler hook registered", "recipient", canonicalRecipient)
	return nil
}

// UnregisterHook removes the response action of a specific sender.
func (rh *ResponseHandler) UnregisterHook(recipient string) error {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		slog.Error("ResponseHandler UnregisterHook validation failed", "error", err, "recipient", recipient)
		return fmt.Errorf("invalid recipient: %w", err)
	}

	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.hooks, canonicalRecipient)

	slog.Debug("ResponseHandler hook unregistered", "recipient", canonicalRecipient)
	return nil
}

// IsHookRegistered checks if a hook is registered for the given recipient.
func (rh *ResponseHandler) IsHookRegistered(recipient string) bool {
	canonicalRecipient, err := rh.msgService.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return false
	}

	rh.mu.RLock()
	defer rh.mu.RUnlock()
	_, exists := rh.hooks[canonicalRecipient]
	return exists
}

// SetFallbackHook sets the action tried for senders without a hook of their own.
func (rh *ResponseHandler) SetFallbackHook(action ResponseAction) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.fallback = action
}

// ProcessResponse records an incoming response and routes it.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	response.From = canonicalFrom

	if rh.dedup != nil && response.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(ctx, response.MessageID, canonicalFrom)
		if err != nil {
			slog.Error("ResponseHandler dedup record failed", "error", err, "message_id", response.MessageID)
			return fmt.Errorf("failed to record inbound message: %w", err)
		}
		if !fresh {
			slog.Info("ResponseHandler dropping duplicate message", "from", canonicalFrom, "message_id", response.MessageID)
			return nil
		}
	}

	if rh.recorder != nil {
		if err := rh.recorder.AddResponse(ctx, response); err != nil {
			slog.Warn("ResponseHandler failed to persist response", "error", err, "from", canonicalFrom)
		}
	}

	slog.Debug("ResponseHandler processing response", "from", canonicalFrom, "body_length", len(response.Body), "media", len(response.Media))

	rh.mu.RLock()
	hook, hasHook := rh.hooks[canonicalFrom]
	fallback := rh.fallback
	defaultMessage := rh.defaultMessage
	rh.mu.RUnlock()

	var actions []ResponseAction
	if hasHook {
		actions = append(actions, hook)
	}
	if fallback != nil {
		actions = append(actions, fallback)
	}

	for _, action := range actions {
		handled, err := action(ctx, canonicalFrom, response)
		if err != nil {
			slog.Error("ResponseHandler hook execution failed", "error", err, "from", canonicalFrom)
			rh.releaseInbound(ctx, response)
			if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, hookErrorMessage); sendErr != nil {
				slog.Error("ResponseHandler failed to send error message", "error", sendErr, "from", canonicalFrom)
			}
			return fmt.Errorf("hook execution failed: %w", err)
		}
		if handled {
			rh.markProcessed(ctx, response)
			slog.Info("ResponseHandler response handled by hook", "from", canonicalFrom)
			return nil
		}
	}

	slog.Debug("ResponseHandler sending default response", "from", canonicalFrom)
	if err := rh.msgService.SendMessage(ctx, canonicalFrom, defaultMessage); err != nil {
		slog.Error("ResponseHandler failed to send default response", "error", err, "from", canonicalFrom)
		rh.releaseInbound(ctx, response)
		return fmt.Errorf("failed to send default response: %w", err)
	}
	rh.markProcessed(ctx, response)
	return nil
}

func (rh *ResponseHandler) markProcessed(ctx context.Context, response models.Response) {
	if rh.dedup == nil || response.MessageID == "" {
		return
	}
	if err := rh.dedup.MarkProcessed(ctx, response.MessageID); err != nil {
		slog.Warn("ResponseHandler failed to mark message processed", "error", err, "message_id", response.MessageID)
	}
}

// releaseInbound lets a redelivery of a message that failed processing run again.
func (rh *ResponseHandler) releaseInbound(ctx context.Context, response models.Response) {
	if rh.dedup == nil || response.MessageID == "" {
		return
	}
	if err := rh.dedup.ReleaseInbound(ctx, response.MessageID); err != nil {
		slog.Warn("ResponseHandler failed to release inbound message", "error", err, "message_id", response.MessageID)
	}
}

// SetDefaultMessage sets the default message sent when no hook handles a response.
func (rh *ResponseHandler) SetDefaultMessage(message string) {
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.defaultMessage = message
}

// GetDefaultMessage returns the current default message.
func (rh *ResponseHandler) GetDefaultMessage() string {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return rh.defaultMessage
}

// GetHookCount returns the number of currently registered hooks.
func (rh *ResponseHandler) GetHookCount() int {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return len(rh.hooks)
}

// Start processes responses, and records receipts when a Recorder is set, until ctx is
// cancelled or the service channels close.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case receipt, ok := <-rh.msgService.Receipts():
				if !ok {
					return
				}
				if rh.recorder == nil {
					continue
				}
				if err := rh.recorder.AddReceipt(ctx, receipt); err != nil {
					slog.Warn("ResponseHandler failed to persist receipt", "error", err, "to", receipt.To)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
