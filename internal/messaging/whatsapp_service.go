package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppMediaPrefix marks media references for images received over whatsmeow. The
// reference names the message that carried the image.
const WhatsAppMediaPrefix = "whatsapp-media:"

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // Access to underlying client for event handling
	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalRecipient(recipient)
}

// Start registers the whatsmeow event handler when a live client is present.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no live client available, skipping event handling")
		return nil
	}
	id := s.waClient.GetClient().AddEventHandler(s.handleEvent)
	go func() {
		<-ctx.Done()
		s.waClient.GetClient().RemoveEventHandler(id)
		slog.Debug("WhatsAppService event handler removed")
	}()
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	return s.SendMedia(ctx, to, body, "")
}

// SendMedia sends body and, when mediaURL is set, a link to the image.
func (s *WhatsAppService) SendMedia(ctx context.Context, to string, body string, mediaURL string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService send validation error", "error", err, "to", to)
		return err
	}
	slog.Debug("WhatsAppService sending", "to", canonicalTo, "body_length", len(body), "media", mediaURL != "")

	if mediaURL == "" {
		err = s.client.SendMessage(ctx, canonicalTo, body)
	} else {
		err = s.client.SendMedia(ctx, canonicalTo, body, mediaURL)
	}
	if err != nil {
		slog.Error("WhatsAppService send error", "error", err, "to", canonicalTo)
		s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusFailed, Time: time.Now().Unix()})
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of incoming response events.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *WhatsAppService) emitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if !emit(s.receipts, receipt, 0) {
		slog.Warn("WhatsAppService receipts channel full, dropping receipt", "to", receipt.To, "status", receipt.Status)
	}
}

func (s *WhatsAppService) emitResponse(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if !emit(s.responses, response, DefaultChannelTimeout) {
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From, "timeout", DefaultChannelTimeout)
	}
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if resp, ok := responseFromMessage(v); ok {
			slog.Debug("WhatsAppService incoming message", "from", resp.From, "body_length", len(resp.Body), "media", len(resp.Media))
			s.emitResponse(resp)
		}
	case *events.Receipt:
		if receipt, ok := receiptFromEvent(v); ok {
			s.emitReceipt(receipt)
		}
	default:
		slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
	}
}

// responseFromMessage extracts text and image content from an inbound message. Other
// message kinds (audio, stickers, reactions) are ignored.
func responseFromMessage(evt *events.Message) (models.Response, bool) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return models.Response{}, false
	}
	resp := models.Response{
		MessageID: string(evt.Info.ID),
		From:      evt.Info.Sender.User,
		Time:      evt.Info.Timestamp.Unix(),
	}
	switch {
	case evt.Message.GetConversation() != "":
		resp.Body = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		resp.Body = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetImageMessage() != nil:
		resp.Body = evt.Message.GetImageMessage().GetCaption()
		resp.Media = []string{WhatsAppMediaPrefix + string(evt.Info.ID)}
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return models.Response{}, false
	}
	return resp, true
}

func receiptFromEvent(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{
		To:     evt.MessageSource.Chat.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	}, true
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
