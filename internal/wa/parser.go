package wa

import (
	"github.com/matheus3301/wpphub/internal/session"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// parseMessage reduces a live message event to a session.Message. Addresses
// lose their device suffix so the same contact always has one address.
func parseMessage(evt *events.Message, me Self) *session.Message {
	chat := evt.Info.Chat.ToNonAD()
	msg := &session.Message{
		ID:        evt.Info.ID,
		Chat:      chat.String(),
		Sender:    evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		FromMe:    evt.Info.IsFromMe,
		SelfChat:  me.Owns(chat),
		Group:     evt.Info.IsGroup || chat.Server == types.GroupServer,
		Broadcast: isBroadcast(chat),
		Text:      extractTextBody(evt.Message),
		Voice:     extractVoice(evt.Message),
		Timestamp: evt.Info.Timestamp,
	}
	return msg
}

// isBroadcast covers status updates, broadcast lists and newsletters.
func isBroadcast(chat types.JID) bool {
	switch chat.Server {
	case types.BroadcastServer, types.NewsletterServer:
		return true
	}
	return false
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// extractVoice returns the voice note in msg. Plain audio files are not
// voice notes.
func extractVoice(msg *waE2E.Message) *session.Voice {
	audio := msg.GetAudioMessage()
	if audio == nil || !audio.GetPTT() {
		return nil
	}
	return &session.Voice{
		Seconds:  audio.GetSeconds(),
		Mimetype: audio.GetMimetype(),
	}
}
