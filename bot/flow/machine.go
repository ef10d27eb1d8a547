// Package flow holds the conversation state machine: how /start arguments,
// session steps, and callback presses move a user through the anonymous
// relay, broadcast, and channel-setup flows.
package flow

import (
	"context"
	"database/sql"
	"html"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/m3rciful/anonbot/bot/i18n"
	"github.com/m3rciful/anonbot/bot/refcode"
	"github.com/m3rciful/anonbot/bot/relay"
	"github.com/m3rciful/anonbot/bot/session"
	"github.com/m3rciful/anonbot/bot/storage"
	"github.com/m3rciful/anonbot/core/logger"
	"github.com/m3rciful/anonbot/core/telegram/keyboard"
	tele "gopkg.in/telebot.v4"
)

// Store is the persistence surface the machine needs. *storage.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	UpsertUser(ctx context.Context, id int64, firstName, username string) error
	GetUser(ctx context.Context, id int64) (*storage.User, error)
	SetLanguage(ctx context.Context, id int64, lang string) error
	Language(ctx context.Context, id int64) (string, error)
	UserIDByCustomRef(ctx context.Context, slug string) (int64, error)
	HasDefaultRef(ctx context.Context, id int64) (bool, error)
	IsRefTaken(ctx context.Context, slug string) (bool, error)
	SetCustomRef(ctx context.Context, id int64, slug string) error
	AllUserIDs(ctx context.Context) ([]int64, error)

	BanUser(ctx context.Context, id int64) error
	UnbanUser(ctx context.Context, id int64) (bool, error)
	IsBanned(ctx context.Context, id int64) (bool, error)

	AddBlock(ctx context.Context, ownerID, targetID int64) error
	RemoveBlock(ctx context.Context, ownerID, targetID int64) (bool, error)
	IsBlocked(ctx context.Context, ownerID, targetID int64) (bool, error)
	CountBlocks(ctx context.Context, ownerID int64) (int, error)
	ClearBlocks(ctx context.Context, ownerID int64) error

	ReplaceChannels(ctx context.Context, channels []storage.Channel) error
	ListChannels(ctx context.Context) ([]storage.Channel, error)
	ClearChannels(ctx context.Context) error

	SaveMessage(ctx context.Context, m storage.Message) error
	GetMessage(ctx context.Context, token string) (*storage.Message, error)
	AddReferral(ctx context.Context, referrerID, referredID int64) error

	BotStats(ctx context.Context) (storage.Stats, error)
	UserStats(ctx context.Context, userID int64) (storage.UserCounters, error)
	TopUsers(ctx context.Context, limit int) ([]storage.TopUser, error)
}

// Actor identifies the user driving the current update.
type Actor struct {
	ID        int64
	FirstName string
	Username  string
}

// Incoming is a non-command message from the actor's private chat.
type Incoming struct {
	Content   relay.Content
	MessageID int
	// ReplyToken is set when the message replies to a delivered anonymous
	// copy; it is the correlation token from that copy's block button.
	ReplyToken string
}

const (
	lockStripes = 64
	topUsersLim = 30

	minListLen = 1
	maxListLen = 10
)

// Options configures a Machine.
type Options struct {
	Store    Store
	Sessions session.Store
	Courier  relay.Courier
	Bundle   *i18n.Bundle
	AdminID  int64
}

// Machine serializes each user's session transitions and talks back to
// Telegram through the courier only.
type Machine struct {
	store    Store
	sessions session.Store
	courier  relay.Courier
	bundle   *i18n.Bundle
	adminID  int64

	locks [lockStripes]sync.Mutex
}

func New(opts Options) *Machine {
	return &Machine{
		store:    opts.Store,
		sessions: opts.Sessions,
		courier:  opts.Courier,
		bundle:   opts.Bundle,
		adminID:  opts.AdminID,
	}
}

// lock serializes session updates per user. Stripes keep unrelated users
// from contending while two updates from the same user cannot interleave.
func (m *Machine) lock(userID int64) func() {
	mu := &m.locks[uint64(userID)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (m *Machine) isAdmin(id int64) bool { return id == m.adminID }

// touch keeps the user's display fields current. Failures are logged and
// ignored so a hiccup here never blocks the flow itself.
func (m *Machine) touch(ctx context.Context, actor Actor) {
	if err := m.store.UpsertUser(ctx, actor.ID, actor.FirstName, actor.Username); err != nil {
		logger.LogEvent(ctx, logger.SVCUsers, slog.LevelWarn, "user.upsert_failed",
			slog.Int64("user_id", actor.ID),
			slog.String("err", err.Error()))
	}
}

func (m *Machine) lang(ctx context.Context, userID int64) string {
	stored, err := m.store.Language(ctx, userID)
	if err != nil {
		logger.LogEvent(ctx, logger.SVCUsers, slog.LevelWarn, "user.lang_lookup_failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()))
	}
	return i18n.Normalize(stored)
}

func (m *Machine) t(lang, key string, params ...i18n.Params) string {
	return m.bundle.T(lang, key, params...)
}

// escapeOr prepares a stored display field for HTML templates.
func escapeOr(s sql.NullString, fallback string) string {
	if s.Valid && s.String != "" {
		return html.EscapeString(s.String)
	}
	return fallback
}

// p builds template params from alternating key/value pairs.
func p(kv ...any) i18n.Params {
	params := make(i18n.Params, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i].(string)] = kv[i+1]
	}
	return params
}

// say sends a translated HTML template to the user.
func (m *Machine) say(ctx context.Context, chatID int64, lang, key string, params ...i18n.Params) error {
	return m.courier.SendHTML(ctx, chatID, m.t(lang, key, params...), nil)
}

func (m *Machine) sayKB(ctx context.Context, chatID int64, lang, key string, kb *tele.ReplyMarkup, params ...i18n.Params) error {
	return m.courier.SendHTML(ctx, chatID, m.t(lang, key, params...), kb)
}

// refLink is the user's current personal link: the custom slug when one is
// set, the encoded ID otherwise.
func (m *Machine) refLink(ctx context.Context, userID int64) (string, error) {
	code := refcode.Encode(userID)
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u != nil && u.CustomRef.Valid && u.CustomRef.String != "" {
		code = u.CustomRef.String
	}
	return refcode.Link(m.courier.Username(), code), nil
}

// resolveRef maps a /start code to its owner. Custom slugs win; the
// encoded-ID form only resolves while the owner has no custom slug.
func (m *Machine) resolveRef(ctx context.Context, code string) (int64, error) {
	id, err := m.store.UserIDByCustomRef(ctx, code)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	decoded, err := refcode.Decode(code)
	if err != nil {
		return 0, refcode.ErrInvalidCode
	}
	ok, err := m.store.HasDefaultRef(ctx, decoded)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, refcode.ErrInvalidCode
	}
	return decoded, nil
}

// isMember reports whether the user passes the channel gate. No channels
// configured means the gate is open. A lookup failure counts as not a
// member, matching the strictest reading.
func (m *Machine) isMember(ctx context.Context, userID int64) bool {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		logger.LogEvent(ctx, logger.SVCChannels, slog.LevelWarn, "channels.list_failed",
			slog.String("err", err.Error()))
		return false
	}
	for _, ch := range channels {
		ok, err := m.courier.IsMember(ctx, ch.ID, userID)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// channelsKeyboard is the gate prompt: one join link per channel plus the
// re-check button.
func (m *Machine) channelsKeyboard(ctx context.Context, lang string) *tele.ReplyMarkup {
	channels, _ := m.store.ListChannels(ctx)
	buttons := make([]keyboard.InlineBtn, 0, len(channels)+1)
	for _, ch := range channels {
		buttons = append(buttons, keyboard.InlineBtn{Text: m.t(lang, "join_button"), URL: ch.Link})
	}
	buttons = append(buttons, keyboard.InlineBtn{Text: m.t(lang, "check_button"), Unique: "check_membership"})
	return keyboard.InlineButtons(buttons)
}

// displayText is the textual stand-in archived and shown for any content.
const mediaPlaceholder = "Media fayl"

func displayText(c relay.Content) string {
	switch {
	case c.Kind == relay.KindText:
		return c.Text
	case c.Kind == relay.KindPoll && c.Poll != nil:
		return c.Poll.Question
	case c.Caption != "":
		return c.Caption
	}
	return mediaPlaceholder
}

// shiftedEntities rebases the formatting spans of text onto its position
// inside wrapped. Telegram entity offsets count UTF-16 code units.
func shiftedEntities(entities tele.Entities, wrapped, text string) tele.Entities {
	if len(entities) == 0 {
		return nil
	}
	idx := strings.Index(wrapped, text)
	if idx < 0 {
		return nil
	}
	shift := len(utf16.Encode([]rune(wrapped[:idx])))
	out := make(tele.Entities, len(entities))
	for i, e := range entities {
		e.Offset += shift
		out[i] = e
	}
	return out
}

// deliver re-sends content to a chat. Text goes out unparsed, wrapped in
// the given template text with the sender's formatting spans rebased onto
// it; media that Telegram refuses falls back to the wrapped text prefixed
// with the media error notice.
func (m *Machine) deliver(ctx context.Context, chatID int64, lang, wrapped string, c relay.Content, kb *tele.ReplyMarkup) error {
	if c.Kind == relay.KindText {
		return m.courier.SendText(ctx, chatID, wrapped, shiftedEntities(c.Entities, wrapped, c.Text), kb)
	}
	if err := m.courier.SendContent(ctx, chatID, c, kb); err != nil {
		logger.LogEvent(ctx, logger.SVCRelay, slog.LevelWarn, "relay.media_fallback",
			slog.Int64("chat_id", chatID),
			slog.String("kind", string(c.Kind)),
			slog.String("err", err.Error()))
		return m.courier.SendText(ctx, chatID, m.t(lang, "media_error")+wrapped, nil, nil)
	}
	return nil
}

// fanOut delivers to every registered user except the initiator and the
// banned, tallying outcomes. Failures are counted, not propagated, so one
// blocked recipient cannot stop the run.
func (m *Machine) fanOut(ctx context.Context, actorID int64, send func(target int64, lang string) error) (success, failed int, err error) {
	ids, err := m.store.AllUserIDs(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, target := range ids {
		if target == actorID {
			continue
		}
		banned, err := m.store.IsBanned(ctx, target)
		if err != nil {
			logger.LogEvent(ctx, logger.SVCBroadcast, slog.LevelWarn, "fanout.ban_lookup_failed",
				slog.Int64("user_id", target),
				slog.String("err", err.Error()))
			failed++
			continue
		}
		if banned {
			continue
		}
		if err := send(target, m.lang(ctx, target)); err != nil {
			failed++
			continue
		}
		success++
	}
	return success, failed, nil
}
