package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/twiliowhatsapp"
	twilioClient "github.com/twilio/twilio-go/client"
)

// twilioSignatureHeader carries the request signature Twilio computes with the auth token.
const twilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without replying through Twilio.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation rejects webhook requests whose signature does not match authToken
// for publicURL, the address Twilio is configured to call.
func WithWebhookValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		v := twilioClient.NewRequestValidator(authToken)
		s.validator = &v
		s.publicURL = publicURL
	}
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	validator *twilioClient.RequestValidator
	publicURL string
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalRecipient(twiliowhatsapp.StripAddress(recipient))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("TwilioService stopped and channels closed")
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	return s.SendMedia(ctx, to, body, "")
}

// SendMedia sends body with mediaURL attached, or a plain message when mediaURL is empty.
func (s *TwilioService) SendMedia(ctx context.Context, to string, body string, mediaURL string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService send validation error", "error", err, "to", to)
		return err
	}

	if mediaURL == "" {
		err = s.client.SendMessage(ctx, canonicalTo, body)
	} else {
		err = s.client.SendMedia(ctx, canonicalTo, body, mediaURL)
	}
	if err != nil {
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}

	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming webhook messages
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// emitReceipt never blocks a send; receipts are dropped when nobody drains them.
func (s *TwilioService) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if !emit(s.receipts, receipt, 0) {
		slog.Warn("TwilioService receipts channel full, dropping receipt", "to", receipt.To, "status", receipt.Status)
	}
}

func (s *TwilioService) emitResponse(response models.Response) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	return emit(s.responses, response, DefaultChannelTimeout)
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as models.Response into the Responses() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.publicURL, params, r.Header.Get(twilioSignatureHeader)) {
			slog.Warn("TwilioService webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	response, err := parseTwilioForm(r)
	if err != nil {
		slog.Warn("TwilioService webhook rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("TwilioService inbound message", "from", response.From, "message_id", response.MessageID,
		"body_length", len(response.Body), "media", len(response.Media))

	if !s.emitResponse(response) {
		slog.Warn("TwilioService responses channel blocked, asking Twilio to retry", "from", response.From)
		http.Error(w, "Busy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

// parseTwilioForm reads the inbound message fields of a parsed webhook request.
func parseTwilioForm(r *http.Request) (models.Response, error) {
	from := twiliowhatsapp.StripAddress(r.FormValue("From"))
	body := strings.TrimSpace(r.FormValue("Body"))

	var media []string
	if n, err := strconv.Atoi(r.FormValue("NumMedia")); err == nil {
		for i := 0; i < n; i++ {
			if u := r.FormValue(fmt.Sprintf("MediaUrl%d", i)); u != "" {
				media = append(media, u)
			}
		}
	}

	if from == "" {
		return models.Response{}, fmt.Errorf("missing From")
	}
	if body == "" && len(media) == 0 {
		return models.Response{}, fmt.Errorf("missing Body")
	}
	return models.Response{
		MessageID: r.FormValue("MessageSid"),
		From:      from,
		Body:      body,
		Media:     media,
		Time:      time.Now().Unix(),
	}, nil
}
