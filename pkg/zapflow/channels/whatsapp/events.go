// Package whatsapp – events.go processes incoming whatsmeow events and
// converts customer messages into normalized IncomingMessage values for the
// conversation pipeline.
package whatsapp

import (
	"time"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.logger.Info("whatsapp connected")

	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp disconnected")
		go w.attemptReconnect()

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp logged out, re-pairing required",
			"reason", evt.Reason)

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp stream replaced by another session")

	case *events.TemporaryBan:
		w.logger.Error("whatsapp temporarily banned",
			"code", evt.Code, "expire", evt.Expire)
	}
}

// handleMessageEvt normalizes one inbound customer message. Group chats,
// our own outgoing messages and status broadcasts are ignored: the CRM
// pipeline only handles direct customer conversations.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	text := extractText(evt.Message)
	var mediaRefs []string
	if ref := extractMediaRef(evt.Message); ref != "" {
		mediaRefs = append(mediaRefs, ref)
	}
	if text == "" && len(mediaRefs) == 0 {
		return
	}

	msg := &IncomingMessage{
		TenantID:      w.cfg.TenantID,
		CustomerPhone: evt.Info.Sender.User,
		Text:          text,
		MediaRefs:     mediaRefs,
		Timestamp:     evt.Info.Timestamp,
	}

	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("inbound queue full, dropping message",
			"from", msg.CustomerPhone)
	}
}

// extractText pulls the text content from the supported message kinds.
func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// extractMediaRef returns an opaque reference for attached media. The
// pipeline does not download inbound media; the reference is kept for the
// conversation history.
func extractMediaRef(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if img := msg.GetImageMessage(); img != nil {
		return "image:" + img.GetDirectPath()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return "document:" + doc.GetDirectPath()
	}
	if aud := msg.GetAudioMessage(); aud != nil {
		return "audio:" + aud.GetDirectPath()
	}
	return ""
}

// attemptReconnect retries the connection with linear backoff until it
// succeeds or the attempt cap is hit.
func (w *WhatsApp) attemptReconnect() {
	for {
		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && int(attempts) > w.cfg.MaxReconnectAttempts {
			w.logger.Error("giving up reconnecting",
				"attempts", attempts-1)
			return
		}

		backoff := w.cfg.reconnectBackoff() * time.Duration(attempts)
		w.logger.Info("reconnecting", "attempt", attempts, "backoff", backoff)
		time.Sleep(backoff)

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("reconnect failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}
}
