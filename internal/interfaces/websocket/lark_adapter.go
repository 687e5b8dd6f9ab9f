// Package websocket subscribes to Lark message events and turns message
// attachments into download requests.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	larkdispatcher "github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
	"github.com/garyjia/attachment-queue/internal/queue"
)

// Enqueuer accepts attachment download requests; *queue.Engine implements it
type Enqueuer interface {
	Enqueue(desc entity.AttachmentDescriptor) error
}

// LarkAdapter wraps the Lark WebSocket SDK client and enqueues the
// attachments of every received file, image or media message.
type LarkAdapter struct {
	appID     string
	appSecret string
	enqueuer  Enqueuer
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// LarkAdapterConfig holds configuration for the Lark WebSocket adapter.
type LarkAdapterConfig struct {
	AppID     string
	AppSecret string
}

// NewLarkAdapter creates a new Lark WebSocket adapter.
func NewLarkAdapter(cfg LarkAdapterConfig, enqueuer Enqueuer, logger *zap.Logger) *LarkAdapter {
	return &LarkAdapter{
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		enqueuer:  enqueuer,
		logger:    logger,
	}
}

// Name returns the worker name
func (a *LarkAdapter) Name() string {
	return "LarkMessageAdapter"
}

// Start opens the WebSocket connection in the background.
// The connection is released by Stop or by cancelling ctx.
func (a *LarkAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("adapter already started")
	}

	// Verification token and encrypt key are not used in WebSocket mode
	sdkDispatcher := larkdispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(a.handleMessage)

	wsClient := larkws.NewClient(
		a.appID,
		a.appSecret,
		larkws.WithEventHandler(sdkDispatcher),
	)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true

	a.logger.Info("Starting Lark WebSocket adapter", zap.String("app_id", a.appID))

	go func() {
		if err := wsClient.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("Lark WebSocket client error", zap.Error(err))
		}
	}()

	return nil
}

// Stop cancels the WebSocket connection context.
func (a *LarkAdapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return
	}

	a.cancel()
	a.started = false
	a.logger.Info("Lark WebSocket adapter stopped")
}

// IsRunning returns whether the adapter is currently running.
func (a *LarkAdapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// handleMessage is called by the Lark SDK for every im.message.receive_v1 event
func (a *LarkAdapter) handleMessage(ctx context.Context, evt *larkim.P2MessageReceiveV1) error {
	if evt == nil || evt.Event == nil || evt.Event.Message == nil {
		return nil
	}
	msg := evt.Event.Message

	descs, err := DescriptorsFromMessage(
		deref(msg.MessageId),
		deref(msg.ChatId),
		deref(msg.MessageType),
		deref(msg.Content),
	)
	if err != nil {
		a.logger.Error("Failed to parse message content",
			zap.String("message_id", deref(msg.MessageId)),
			zap.Error(err))
		return err
	}

	for _, desc := range descs {
		if err := a.enqueuer.Enqueue(desc); err != nil {
			a.logger.Error("Failed to enqueue message attachment",
				zap.String("attachment_id", desc.ID),
				zap.Error(err))
			if errors.Is(err, queue.ErrEngineStopped) {
				return err
			}
			continue
		}
		a.logger.Info("Message attachment enqueued",
			zap.String("attachment_id", desc.ID),
			zap.String("kind", string(desc.Kind)))
	}

	return nil
}

// messageContent is the union of the file, image and media content payloads
type messageContent struct {
	FileKey  string `json:"file_key"`
	ImageKey string `json:"image_key"`
	FileName string `json:"file_name"`
}

// DescriptorsFromMessage translates a received message into download requests.
// Text and other non-attachment messages yield none.
func DescriptorsFromMessage(messageID, chatID, msgType, content string) ([]entity.AttachmentDescriptor, error) {
	var kind entity.AttachmentKind
	switch msgType {
	case "file":
		kind = entity.KindDocument
	case "image":
		kind = entity.KindImage
	case "media":
		kind = entity.KindVideo
	default:
		return nil, nil
	}

	if messageID == "" {
		return nil, fmt.Errorf("message id missing for %s message", msgType)
	}

	var c messageContent
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return nil, fmt.Errorf("failed to parse %s message content: %w", msgType, err)
	}

	key := c.FileKey
	if kind == entity.KindImage {
		key = c.ImageKey
	}
	if key == "" {
		return nil, fmt.Errorf("%s message %s carries no resource key", msgType, messageID)
	}

	name := sanitizeName(c.FileName)
	if name == "" {
		name = key
	}

	folder := sanitizeName(chatID)
	if folder == "" {
		folder = "direct"
	}

	return []entity.AttachmentDescriptor{{
		ID:             messageID + ":" + key,
		MessageID:      messageID,
		RemoteLocation: key,
		Kind:           kind,
		Destination:    path.Join(folder, sanitizeName(messageID), name),
	}}, nil
}

// sanitizeName keeps a single safe path segment
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))

	if name == "." || name == ".." {
		return ""
	}
	return strings.TrimLeft(name, ".")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
