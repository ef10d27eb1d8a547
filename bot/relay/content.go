// Package relay carries messages between chats without exposing who sent
// them. Content is a transport-neutral snapshot of an inbound message;
// Courier delivers it to another chat.
package relay

import (
	"strings"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"
)

// Kind identifies what a Content value holds.
type Kind string

const (
	KindText      Kind = "text"
	KindPhoto     Kind = "photo"
	KindVideo     Kind = "video"
	KindDocument  Kind = "document"
	KindSticker   Kind = "sticker"
	KindAudio     Kind = "audio"
	KindAnimation Kind = "animation"
	KindVoice     Kind = "voice"
	KindPoll      Kind = "poll"
)

// PollContent mirrors the fields needed to re-send a poll.
type PollContent struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	Anonymous       bool     `json:"anonymous"`
	MultipleAnswers bool     `json:"multiple_answers"`
	Type            string   `json:"type"`
}

// Content is a re-sendable snapshot of a message. Media is referenced by
// file ID, never downloaded. Entities are the formatting spans of the
// text or caption, kept so a relayed copy renders the way the sender
// wrote it even though it is never parsed as markup.
type Content struct {
	Kind     Kind          `json:"kind"`
	Text     string        `json:"text,omitempty"`
	Caption  string        `json:"caption,omitempty"`
	FileID   string        `json:"file_id,omitempty"`
	FileName string        `json:"file_name,omitempty"`
	Poll     *PollContent  `json:"poll,omitempty"`
	Entities tele.Entities `json:"entities,omitempty"`
}

// FromMessage snapshots a Telegram message. Unsupported message types
// yield a zero Content.
func FromMessage(m *tele.Message) Content {
	switch {
	case m == nil:
		return Content{}
	case m.Photo != nil:
		return Content{Kind: KindPhoto, FileID: m.Photo.FileID, Caption: m.Caption, Entities: m.CaptionEntities}
	case m.Video != nil:
		return Content{Kind: KindVideo, FileID: m.Video.FileID, Caption: m.Caption, Entities: m.CaptionEntities}
	case m.Document != nil:
		return Content{Kind: KindDocument, FileID: m.Document.FileID, FileName: m.Document.FileName, Caption: m.Caption, Entities: m.CaptionEntities}
	case m.Sticker != nil:
		return Content{Kind: KindSticker, FileID: m.Sticker.FileID}
	case m.Audio != nil:
		return Content{Kind: KindAudio, FileID: m.Audio.FileID, Caption: m.Caption, Entities: m.CaptionEntities}
	case m.Animation != nil:
		return Content{Kind: KindAnimation, FileID: m.Animation.FileID, Caption: m.Caption, Entities: m.CaptionEntities}
	case m.Voice != nil:
		return Content{Kind: KindVoice, FileID: m.Voice.FileID, Caption: m.Caption, Entities: m.CaptionEntities}
	case m.Poll != nil:
		p := &PollContent{
			Question:        m.Poll.Question,
			Anonymous:       m.Poll.Anonymous,
			MultipleAnswers: m.Poll.MultipleAnswers,
			Type:            string(m.Poll.Type),
		}
		for _, opt := range m.Poll.Options {
			p.Options = append(p.Options, opt.Text)
		}
		return Content{Kind: KindPoll, Poll: p}
	case m.Text != "":
		return Content{Kind: KindText, Text: m.Text, Entities: m.Entities}
	}
	return Content{}
}

// IsZero reports whether the message type was not supported.
func (c Content) IsZero() bool { return c.Kind == "" }

// IsAPK reports whether the content is an Android package file.
// Those are refused to keep the relay from spreading malware.
func (c Content) IsAPK() bool {
	return c.Kind == KindDocument && strings.HasSuffix(strings.ToLower(c.FileName), ".apk")
}

// StoredText is the textual part worth archiving: the body for text
// messages, the caption for media.
func (c Content) StoredText() string {
	if c.Kind == KindText {
		return c.Text
	}
	return c.Caption
}

// NewToken mints a correlation token that ties a delivered copy back to
// the archived original.
func NewToken() string { return uuid.NewString() }
