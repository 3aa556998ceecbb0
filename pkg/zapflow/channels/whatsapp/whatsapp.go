// Package whatsapp implements the outbound messaging gateway and inbound
// message source for zapflow using whatsmeow — a native Go WhatsApp Web API
// library. No Node.js, no Baileys.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Send text and media (image/document) messages
//   - Automatic reconnection with backoff
//   - Normalized inbound messages for the conversation pipeline
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// Enabled turns the channel on. When false the service runs webhook-only.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file for session persistence (tables are
	// prefixed whatsmeow_). Defaults to ./data/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// TenantID is the tenant this WhatsApp line belongs to. One linked
	// device serves one business.
	TenantID string `yaml:"tenant_id"`

	// SendTyping sends a typing indicator while a turn is being processed.
	SendTyping bool `yaml:"send_typing"`

	// ReconnectBackoffSeconds is the initial backoff for reconnection
	// attempts (default: 5).
	ReconnectBackoffSeconds int `yaml:"reconnect_backoff_seconds"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// SendTimeoutSeconds bounds one outbound send (default: 30).
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
}

// reconnectBackoff returns the configured backoff as a duration.
func (c Config) reconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffSeconds) * time.Second
}

// sendTimeout returns the configured send timeout as a duration.
func (c Config) sendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 false,
		DatabasePath:            "./data/whatsapp.db",
		SendTyping:              true,
		ReconnectBackoffSeconds: 5,
		MaxReconnectAttempts:    10,
		SendTimeoutSeconds:      30,
	}
}

// IncomingMessage is a normalized inbound WhatsApp message.
type IncomingMessage struct {
	TenantID      string
	CustomerPhone string
	Text          string
	MediaRefs     []string
	Timestamp     time.Time
}

// WhatsApp wraps the whatsmeow client. It satisfies the engine's
// MessagingGateway contract through Send.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// messages is the channel for normalized inbound messages.
	messages chan *IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// reconnectAttempts tracks reconnection tries.
	reconnectAttempts atomic.Int32

	httpClient *http.Client
}

// New creates a WhatsApp channel. Call Connect to link and start receiving.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./data/whatsapp.db"
	}
	if cfg.SendTimeoutSeconds <= 0 {
		cfg.SendTimeoutSeconds = 30
	}
	if cfg.ReconnectBackoffSeconds <= 0 {
		cfg.ReconnectBackoffSeconds = 5
	}
	return &WhatsApp{
		cfg:        cfg,
		logger:     logger.With("component", "whatsapp"),
		messages:   make(chan *IncomingMessage, 64),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect opens the session store, performs QR login when the device is not
// linked yet, and starts the event loop.
func (w *WhatsApp) Connect(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", w.cfg.DatabasePath)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("loading device: %w", err)
	}

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		return w.loginWithQR(ctx)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// loginWithQR runs the QR pairing flow, printing codes to the log until the
// user scans one or the context expires.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR login: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return nil
			}
			switch evt.Event {
			case "code":
				w.logger.Info("scan this QR code with WhatsApp", "code", evt.Code)
			case "success":
				w.logger.Info("whatsapp paired successfully")
				return nil
			case "timeout":
				return fmt.Errorf("QR login timed out")
			}
		}
	}
}

// Disconnect closes the connection.
func (w *WhatsApp) Disconnect() {
	if w.client != nil {
		w.client.Disconnect()
	}
	w.connected.Store(false)
}

// IsConnected reports whether the channel is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// Receive returns the normalized inbound messages channel.
func (w *WhatsApp) Receive() <-chan *IncomingMessage {
	return w.messages
}

// Send delivers a message to a customer phone number. When mediaURL is
// non-empty the referenced file is fetched, uploaded and sent as media with
// the body as caption; otherwise a plain text message goes out.
// Returns the WhatsApp message id.
func (w *WhatsApp) Send(ctx context.Context, toPhone, body, mediaURL string) (string, error) {
	if !w.connected.Load() {
		return "", fmt.Errorf("whatsapp disconnected")
	}

	jid, err := parseJID(toPhone)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", toPhone, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.sendTimeout())
	defer cancel()

	var msg *waProto.Message
	if mediaURL != "" {
		msg, err = w.buildMediaMessage(sendCtx, body, mediaURL)
		if err != nil {
			return "", err
		}
	} else {
		msg = &waProto.Message{Conversation: proto.String(body)}
	}

	resp, err := w.client.SendMessage(sendCtx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return resp.ID, nil
}

// SendTyping sends a composing presence to the chat.
func (w *WhatsApp) SendTyping(toPhone string) {
	if !w.cfg.SendTyping || !w.connected.Load() {
		return
	}
	jid, err := parseJID(toPhone)
	if err != nil {
		return
	}
	_ = w.client.SendChatPresence(context.TODO(), jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// buildMediaMessage fetches the asset and uploads it to WhatsApp servers,
// producing an image or document message depending on the content type.
func (w *WhatsApp) buildMediaMessage(ctx context.Context, caption, mediaURL string) (*waProto.Message, error) {
	data, mimeType, err := w.fetchMedia(ctx, mediaURL)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}

	if strings.HasPrefix(mimeType, "image/") {
		uploaded, err := w.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, fmt.Errorf("uploading image: %w", err)
		}
		return &waProto.Message{
			ImageMessage: &waProto.ImageMessage{
				Caption:       proto.String(caption),
				Mimetype:      proto.String(mimeType),
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
			},
		}, nil
	}

	uploaded, err := w.client.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("uploading document: %w", err)
	}
	return &waProto.Message{
		DocumentMessage: &waProto.DocumentMessage{
			Caption:       proto.String(caption),
			FileName:      proto.String(filepath.Base(mediaURL)),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	}, nil
}

// fetchMedia downloads an asset, from disk for file paths or over HTTP.
func (w *WhatsApp) fetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	if !strings.HasPrefix(mediaURL, "http://") && !strings.HasPrefix(mediaURL, "https://") {
		data, err := os.ReadFile(mediaURL)
		if err != nil {
			return nil, "", err
		}
		return data, http.DetectContentType(data), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// parseJID converts a phone number or JID string to a WhatsApp JID.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimPrefix(s, "+")
	if strings.ContainsRune(s, '@') {
		return types.ParseJID(s)
	}
	if s == "" {
		return types.JID{}, fmt.Errorf("empty phone number")
	}
	return types.NewJID(s, types.DefaultUserServer), nil
}
