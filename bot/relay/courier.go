package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	tele "gopkg.in/telebot.v4"
)

// ErrNotBound is returned when a send is attempted before the bot
// connection exists.
var ErrNotBound = errors.New("relay: courier not bound to a bot")

// ErrUnsupportedContent is returned for zero Content values.
var ErrUnsupportedContent = errors.New("relay: unsupported content")

// Courier delivers messages to arbitrary chats, outside the scope of the
// update being handled.
type Courier interface {
	// SendText sends unparsed text. Relayed user text goes through here so
	// it is never parsed as markup; the sender's formatting travels as
	// explicit entity spans instead.
	SendText(ctx context.Context, chatID int64, text string, entities tele.Entities, kb *tele.ReplyMarkup) error
	// SendHTML sends HTML-formatted text, optionally with a keyboard.
	SendHTML(ctx context.Context, chatID int64, text string, kb *tele.ReplyMarkup) error
	// SendMarkdown sends Markdown-formatted text.
	SendMarkdown(ctx context.Context, chatID int64, text string) error
	// SendContent re-sends snapshotted content without interpreting it.
	SendContent(ctx context.Context, chatID int64, c Content, kb *tele.ReplyMarkup) error
	// Forward forwards a stored message, keeping the original header.
	Forward(ctx context.Context, toChatID, fromChatID int64, messageID int) error
	// IsMember reports whether the user belongs to the channel. The channel
	// is addressed by @username or by its -100 numeric ID.
	IsMember(ctx context.Context, channelID string, userID int64) (bool, error)
	// Profile fetches a user's current first name and username.
	Profile(ctx context.Context, userID int64) (firstName, username string, err error)
	// Username is the bot's own @username, without the @.
	Username() string
}

// TeleCourier is the production Courier. It is constructed before the bot
// exists and bound to it at startup, so application wiring does not depend
// on connection order.
type TeleCourier struct {
	bot      atomic.Pointer[tele.Bot]
	username atomic.Pointer[string]
}

func NewTeleCourier() *TeleCourier { return &TeleCourier{} }

// Bind attaches the live bot. Safe to call once the bot is built.
func (tc *TeleCourier) Bind(b *tele.Bot) {
	tc.bot.Store(b)
	if b != nil && b.Me != nil {
		name := b.Me.Username
		tc.username.Store(&name)
	}
}

func (tc *TeleCourier) Username() string {
	if name := tc.username.Load(); name != nil {
		return *name
	}
	return ""
}

func (tc *TeleCourier) ready() (*tele.Bot, error) {
	b := tc.bot.Load()
	if b == nil {
		return nil, ErrNotBound
	}
	return b, nil
}

func (tc *TeleCourier) SendText(_ context.Context, chatID int64, text string, entities tele.Entities, kb *tele.ReplyMarkup) error {
	b, err := tc.ready()
	if err != nil {
		return err
	}
	_, err = b.Send(tele.ChatID(chatID), text, &tele.SendOptions{ReplyMarkup: kb, Entities: entities})
	return err
}

func (tc *TeleCourier) SendHTML(_ context.Context, chatID int64, text string, kb *tele.ReplyMarkup) error {
	b, err := tc.ready()
	if err != nil {
		return err
	}
	_, err = b.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		ParseMode:   tele.ModeHTML,
		ReplyMarkup: kb,
	})
	return err
}

func (tc *TeleCourier) SendMarkdown(_ context.Context, chatID int64, text string) error {
	b, err := tc.ready()
	if err != nil {
		return err
	}
	_, err = b.Send(tele.ChatID(chatID), text, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	return err
}

func (tc *TeleCourier) SendContent(_ context.Context, chatID int64, c Content, kb *tele.ReplyMarkup) error {
	b, err := tc.ready()
	if err != nil {
		return err
	}
	what, err := sendable(c)
	if err != nil {
		return err
	}
	// For media with a caption telebot attaches these as caption_entities.
	_, err = b.Send(tele.ChatID(chatID), what, &tele.SendOptions{ReplyMarkup: kb, Entities: c.Entities})
	return err
}

func (tc *TeleCourier) Forward(_ context.Context, toChatID, fromChatID int64, messageID int) error {
	b, err := tc.ready()
	if err != nil {
		return err
	}
	_, err = b.Forward(tele.ChatID(toChatID), &tele.StoredMessage{
		MessageID: strconv.Itoa(messageID),
		ChatID:    fromChatID,
	})
	return err
}

func (tc *TeleCourier) IsMember(_ context.Context, channelID string, userID int64) (bool, error) {
	b, err := tc.ready()
	if err != nil {
		return false, err
	}
	member, err := b.ChatMemberOf(channelRef(channelID), tele.ChatID(userID))
	if err != nil {
		return false, err
	}
	switch member.Role {
	case tele.Creator, tele.Administrator, tele.Member:
		return true, nil
	}
	return false, nil
}

func (tc *TeleCourier) Profile(_ context.Context, userID int64) (string, string, error) {
	b, err := tc.ready()
	if err != nil {
		return "", "", err
	}
	chat, err := b.ChatByID(userID)
	if err != nil {
		return "", "", err
	}
	return chat.FirstName, chat.Username, nil
}

// sendable maps a Content to the telebot value Send accepts.
func sendable(c Content) (any, error) {
	file := tele.File{FileID: c.FileID}
	switch c.Kind {
	case KindText:
		return c.Text, nil
	case KindPhoto:
		return &tele.Photo{File: file, Caption: c.Caption}, nil
	case KindVideo:
		return &tele.Video{File: file, Caption: c.Caption}, nil
	case KindDocument:
		return &tele.Document{File: file, FileName: c.FileName, Caption: c.Caption}, nil
	case KindSticker:
		return &tele.Sticker{File: file}, nil
	case KindAudio:
		return &tele.Audio{File: file, Caption: c.Caption}, nil
	case KindAnimation:
		return &tele.Animation{File: file, Caption: c.Caption}, nil
	case KindVoice:
		return &tele.Voice{File: file, Caption: c.Caption}, nil
	case KindPoll:
		if c.Poll == nil {
			return nil, ErrUnsupportedContent
		}
		poll := &tele.Poll{
			Question:        c.Poll.Question,
			Anonymous:       c.Poll.Anonymous,
			MultipleAnswers: c.Poll.MultipleAnswers,
			Type:            tele.PollType(c.Poll.Type),
		}
		for _, opt := range c.Poll.Options {
			poll.Options = append(poll.Options, tele.PollOption{Text: opt})
		}
		return poll, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedContent, c.Kind)
}

// channelRef addresses a channel by @username or -100 numeric ID.
type channelRef string

func (c channelRef) Recipient() string { return string(c) }
