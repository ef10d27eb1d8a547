package flow

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/m3rciful/anonbot/bot/relay"
	"github.com/m3rciful/anonbot/bot/session"
	"github.com/m3rciful/anonbot/bot/storage"
	"github.com/m3rciful/anonbot/core/logger"
	"github.com/m3rciful/anonbot/core/telegram/keyboard"
	tele "gopkg.in/telebot.v4"
)

var urlRe = regexp.MustCompile(`^https?://[^\s/$.?#].[^\s]*$`)

func isValidChannelID(s string) bool {
	return strings.HasPrefix(s, "@") || strings.HasPrefix(s, "-100")
}

func isValidInviteLink(s string) bool {
	return strings.HasPrefix(s, "https://t.me/")
}

// HandleIncoming interprets a non-command message according to the
// actor's session step. A reply to a delivered anonymous copy overrides
// whatever session existed and starts an anonymous reply instead.
func (m *Machine) HandleIncoming(ctx context.Context, actor Actor, in Incoming) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)

	banned, err := m.store.IsBanned(ctx, actor.ID)
	if err != nil {
		return err
	}
	if banned {
		return m.say(ctx, actor.ID, lang, "banned")
	}
	if !m.isMember(ctx, actor.ID) {
		return m.sayKB(ctx, actor.ID, lang, "subscribe_channels", m.channelsKeyboard(ctx, lang))
	}

	sess, err := m.sessions.Get(ctx, actor.ID)
	if err != nil {
		return err
	}
	if in.ReplyToken != "" {
		if synthesized, err := m.replySession(ctx, actor.ID, in.ReplyToken); err != nil {
			return err
		} else if synthesized != nil {
			sess = synthesized
		}
	}
	if sess == nil {
		return m.say(ctx, actor.ID, lang, "use_link_first")
	}

	content := in.Content
	if content.IsZero() {
		content = relay.Content{Kind: relay.KindText, Text: mediaPlaceholder}
	}
	if content.IsAPK() {
		return m.say(ctx, actor.ID, lang, "apk_banned")
	}
	if sess.Step.AdminOnly() && !m.isAdmin(actor.ID) {
		return m.say(ctx, actor.ID, lang, "admin_only")
	}

	switch sess.Step {
	case session.StepSend:
		target := sess.Payload.(session.SendTarget)
		return m.relayMessage(ctx, actor, lang, target.ReceiverID, content)
	case session.StepReply:
		target := sess.Payload.(session.ReplyTarget)
		return m.relayReply(ctx, actor, lang, target.SenderID, content)
	case session.StepPendingMembership:
		// Gate already passed above; wait for the check button.
		return nil
	case session.StepBroadcastMessage:
		return m.broadcastDraft(ctx, actor, lang, content)
	case session.StepBroadcastAskInline:
		// Awaiting the yes/no button, free-form input is ignored.
		return nil
	case session.StepBroadcastAskCount:
		draft := sess.Payload.(session.BroadcastDraft)
		return m.broadcastCount(ctx, actor, lang, draft, displayText(content))
	case session.StepBroadcastAskButtonName:
		draft := sess.Payload.(session.BroadcastDraft)
		return m.broadcastButtonName(ctx, actor, lang, draft, displayText(content))
	case session.StepBroadcastAskButtonURL:
		draft := sess.Payload.(session.BroadcastDraft)
		return m.broadcastButtonURL(ctx, actor, lang, draft, displayText(content))
	case session.StepForwardMessage:
		return m.forwardFanOut(ctx, actor, lang, in.MessageID)
	case session.StepSetChannelCount:
		return m.channelCount(ctx, actor, lang, displayText(content))
	case session.StepSetChannelID:
		setup := sess.Payload.(session.ChannelSetup)
		return m.channelID(ctx, actor, lang, setup, displayText(content))
	case session.StepSetChannelLink:
		setup := sess.Payload.(session.ChannelSetup)
		return m.channelLink(ctx, actor, lang, setup, displayText(content))
	case session.StepGetUserID:
		return m.lookupUser(ctx, actor, lang, displayText(content))
	}
	return nil
}

// replySession turns a reply-to-copy into a reply session, overriding any
// session in progress. Returns nil when the token is unknown.
func (m *Machine) replySession(ctx context.Context, userID int64, token string) (*session.Session, error) {
	msg, err := m.store.GetMessage(ctx, token)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}
	sess := session.Session{
		UserID:  userID,
		Step:    session.StepReply,
		Payload: session.ReplyTarget{SenderID: msg.SenderID},
	}
	if err := m.sessions.Put(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// relayMessage archives and delivers the composed anonymous message.
func (m *Machine) relayMessage(ctx context.Context, actor Actor, lang string, receiverID int64, content relay.Content) error {
	blocked, err := m.store.IsBlocked(ctx, receiverID, actor.ID)
	if err != nil {
		return err
	}
	if blocked {
		return m.say(ctx, actor.ID, lang, "user_banned")
	}

	receiverName, receiverUsername := "Unknown", "Unknown"
	if name, username, err := m.courier.Profile(ctx, receiverID); err == nil {
		if name != "" {
			receiverName = name
		}
		if username != "" {
			receiverUsername = username
		}
		m.touch(ctx, Actor{ID: receiverID, FirstName: receiverName, Username: receiverUsername})
	}

	token := relay.NewToken()
	text := displayText(content)
	err = m.store.SaveMessage(ctx, storage.Message{
		Token:            token,
		SenderID:         actor.ID,
		ReceiverID:       receiverID,
		SenderName:       nullStr(orUnknown(actor.FirstName)),
		SenderUsername:   nullStr(orUnknown(actor.Username)),
		ReceiverName:     nullStr(receiverName),
		ReceiverUsername: nullStr(receiverUsername),
		Text:             nullStr(text),
		MediaType:        nullStr(string(content.Kind)),
		FileID:           nullStr(content.FileID),
		Caption:          nullStr(content.Caption),
	})
	if err != nil {
		return err
	}
	if err := m.sessions.Delete(ctx, actor.ID); err != nil {
		return err
	}

	receiverLang := m.lang(ctx, receiverID)
	kb := keyboard.InlineButtons([]keyboard.InlineBtn{{
		Text:   m.t(receiverLang, "block"),
		Unique: "block",
		Data:   token,
	}})
	wrapped := m.t(receiverLang, "new_message", p("text", text))
	if err := m.deliver(ctx, receiverID, receiverLang, wrapped, content, kb); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCRelay, slog.LevelInfo, "relay.sent",
		slog.String("token", token),
		slog.Int64("sender_id", actor.ID),
		slog.Int64("receiver_id", receiverID),
		slog.String("kind", string(content.Kind)))

	if err := m.say(ctx, actor.ID, lang, "message_sent"); err != nil {
		return err
	}
	link, err := m.refLink(ctx, actor.ID)
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "own_link", p("ref_link", link))
}

// relayReply sends the anonymous reply back to the original sender.
func (m *Machine) relayReply(ctx context.Context, actor Actor, lang string, senderID int64, content relay.Content) error {
	senderLang := m.lang(ctx, senderID)
	wrapped := m.t(senderLang, "reply_message", p("text", displayText(content)))
	if err := m.deliver(ctx, senderID, senderLang, wrapped, content, nil); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCRelay, slog.LevelInfo, "relay.reply_sent",
		slog.Int64("sender_id", actor.ID),
		slog.Int64("receiver_id", senderID),
		slog.String("kind", string(content.Kind)))
	if err := m.say(ctx, actor.ID, lang, "reply_sent"); err != nil {
		return err
	}
	return m.sessions.Delete(ctx, actor.ID)
}

// broadcastDraft captures the broadcast body and asks about inline buttons.
func (m *Machine) broadcastDraft(ctx context.Context, actor Actor, lang string, content relay.Content) error {
	err := m.sessions.Put(ctx, session.Session{
		UserID:  actor.ID,
		Step:    session.StepBroadcastAskInline,
		Payload: session.BroadcastDraft{Content: content},
	})
	if err != nil {
		return err
	}
	kb := keyboard.InlineButtons([]keyboard.InlineBtn{
		{Text: m.t(lang, "yes"), Unique: "broadcast_add_buttons"},
		{Text: m.t(lang, "no"), Unique: "broadcast_no_buttons"},
	})
	return m.sayKB(ctx, actor.ID, lang, "broadcast_prompt", kb)
}

func (m *Machine) broadcastCount(ctx context.Context, actor Actor, lang string, draft session.BroadcastDraft, text string) error {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return m.say(ctx, actor.ID, lang, "invalid_number")
	}
	if n < minListLen || n > maxListLen {
		return m.say(ctx, actor.ID, lang, "button_count_prompt")
	}
	draft.Count = n
	draft.Names = nil
	draft.URLs = nil
	err = m.sessions.Put(ctx, session.Session{
		UserID:  actor.ID,
		Step:    session.StepBroadcastAskButtonName,
		Payload: draft,
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "button_name_prompt", p("current", 1, "total", n))
}

func (m *Machine) broadcastButtonName(ctx context.Context, actor Actor, lang string, draft session.BroadcastDraft, text string) error {
	draft.Names = append(draft.Names, text)
	step := session.StepBroadcastAskButtonName
	if len(draft.Names) >= draft.Count {
		step = session.StepBroadcastAskButtonURL
	}
	err := m.sessions.Put(ctx, session.Session{UserID: actor.ID, Step: step, Payload: draft})
	if err != nil {
		return err
	}
	if step == session.StepBroadcastAskButtonURL {
		return m.say(ctx, actor.ID, lang, "button_url_prompt", p("current", 1))
	}
	return m.say(ctx, actor.ID, lang, "button_name_prompt",
		p("current", len(draft.Names)+1, "total", draft.Count))
}

func (m *Machine) broadcastButtonURL(ctx context.Context, actor Actor, lang string, draft session.BroadcastDraft, text string) error {
	if !urlRe.MatchString(text) {
		return m.say(ctx, actor.ID, lang, "invalid_url")
	}
	draft.URLs = append(draft.URLs, text)
	if len(draft.URLs) < draft.Count {
		err := m.sessions.Put(ctx, session.Session{
			UserID:  actor.ID,
			Step:    session.StepBroadcastAskButtonURL,
			Payload: draft,
		})
		if err != nil {
			return err
		}
		return m.say(ctx, actor.ID, lang, "button_url_prompt", p("current", len(draft.URLs)+1))
	}

	buttons := make([]keyboard.InlineBtn, 0, len(draft.Names))
	for i, name := range draft.Names {
		buttons = append(buttons, keyboard.InlineBtn{Text: name, URL: draft.URLs[i]})
	}
	if err := m.sessions.Delete(ctx, actor.ID); err != nil {
		return err
	}
	return m.runBroadcast(ctx, actor, lang, draft, keyboard.InlineButtons(buttons))
}

// runBroadcast fans the draft out to everyone and reports the tally.
func (m *Machine) runBroadcast(ctx context.Context, actor Actor, lang string, draft session.BroadcastDraft, kb *tele.ReplyMarkup) error {
	success, failed, err := m.fanOut(ctx, actor.ID, func(target int64, targetLang string) error {
		return m.deliver(ctx, target, targetLang, displayText(draft.Content), draft.Content, kb)
	})
	if err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCBroadcast, slog.LevelInfo, "broadcast.done",
		slog.Int64("admin_id", actor.ID),
		slog.String("kind", string(draft.Content.Kind)),
		slog.Int("success", success),
		slog.Int("failed", failed))
	return m.say(ctx, actor.ID, lang, "broadcast_sent", p("success", success, "failed", failed))
}

// forwardFanOut forwards the admin's message as-is, header included.
func (m *Machine) forwardFanOut(ctx context.Context, actor Actor, lang string, messageID int) error {
	if err := m.sessions.Delete(ctx, actor.ID); err != nil {
		return err
	}
	success, failed, err := m.fanOut(ctx, actor.ID, func(target int64, _ string) error {
		return m.courier.Forward(ctx, target, actor.ID, messageID)
	})
	if err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCBroadcast, slog.LevelInfo, "forward.done",
		slog.Int64("admin_id", actor.ID),
		slog.Int("success", success),
		slog.Int("failed", failed))
	return m.say(ctx, actor.ID, lang, "forward_sent", p("success", success, "failed", failed))
}

func (m *Machine) channelCount(ctx context.Context, actor Actor, lang string, text string) error {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return m.say(ctx, actor.ID, lang, "invalid_number")
	}
	if n < minListLen || n > maxListLen {
		return m.say(ctx, actor.ID, lang, "channel_count_prompt")
	}
	err = m.sessions.Put(ctx, session.Session{
		UserID:  actor.ID,
		Step:    session.StepSetChannelID,
		Payload: session.ChannelSetup{Count: n, Current: 1},
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "channel_id_prompt", p("current", 1))
}

func (m *Machine) channelID(ctx context.Context, actor Actor, lang string, setup session.ChannelSetup, text string) error {
	id := strings.TrimSpace(text)
	if !isValidChannelID(id) {
		return m.say(ctx, actor.ID, lang, "invalid_channel_id")
	}
	setup.Channels = append(setup.Channels, session.ChannelDraft{ID: id, Name: "Join"})
	err := m.sessions.Put(ctx, session.Session{
		UserID:  actor.ID,
		Step:    session.StepSetChannelLink,
		Payload: setup,
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "channel_link_prompt", p("current", setup.Current))
}

func (m *Machine) channelLink(ctx context.Context, actor Actor, lang string, setup session.ChannelSetup, text string) error {
	link := strings.TrimSpace(text)
	if !isValidInviteLink(link) {
		return m.say(ctx, actor.ID, lang, "invalid_invite_link")
	}
	setup.Channels[len(setup.Channels)-1].Link = link

	if len(setup.Channels) < setup.Count {
		setup.Current++
		err := m.sessions.Put(ctx, session.Session{
			UserID:  actor.ID,
			Step:    session.StepSetChannelID,
			Payload: setup,
		})
		if err != nil {
			return err
		}
		return m.say(ctx, actor.ID, lang, "channel_id_prompt", p("current", setup.Current))
	}

	channels := make([]storage.Channel, 0, len(setup.Channels))
	for _, ch := range setup.Channels {
		channels = append(channels, storage.Channel{ID: ch.ID, Name: ch.Name, Link: ch.Link})
	}
	if err := m.store.ReplaceChannels(ctx, channels); err != nil {
		return err
	}
	if err := m.sessions.Delete(ctx, actor.ID); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCChannels, slog.LevelInfo, "channels.replaced",
		slog.Int("count", len(channels)))
	return m.say(ctx, actor.ID, lang, "channels_set", p("count", setup.Count))
}

// lookupUser answers the admin user-info prompt. A non-numeric reply keeps
// the prompt open; an unknown user closes it.
func (m *Machine) lookupUser(ctx context.Context, actor Actor, lang string, text string) error {
	targetID, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return m.say(ctx, actor.ID, lang, "error_id")
	}
	target, err := m.store.GetUser(ctx, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		if err := m.say(ctx, actor.ID, lang, "user_not_found"); err != nil {
			return err
		}
		return m.sessions.Delete(ctx, actor.ID)
	}
	counters, err := m.store.UserStats(ctx, targetID)
	if err != nil {
		return err
	}
	err = m.say(ctx, actor.ID, lang, "user_info", p(
		"id", targetID,
		"first_name", escapeOr(target.FirstName, m.t(lang, "unknown")),
		"username", escapeOr(target.Username, m.t(lang, "unknown")),
		"referrals", counters.TotalReferrals,
		"messages", counters.TotalMessages,
		"blocks", counters.Blocks,
		"rank", counters.Rank,
	))
	if err != nil {
		return err
	}
	return m.sessions.Delete(ctx, actor.ID)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
