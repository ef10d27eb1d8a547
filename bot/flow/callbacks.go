package flow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/anonbot/bot/i18n"
	"github.com/m3rciful/anonbot/bot/relay"
	"github.com/m3rciful/anonbot/bot/session"
	"github.com/m3rciful/anonbot/core/logger"
	"github.com/m3rciful/anonbot/core/telegram/keyboard"
)

// guard runs the shared callback preamble. It returns the language and
// false when the actor is banned and the flow must stop.
func (m *Machine) guard(ctx context.Context, actor Actor) (string, bool, error) {
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	banned, err := m.store.IsBanned(ctx, actor.ID)
	if err != nil {
		return lang, false, err
	}
	if banned {
		return lang, false, m.say(ctx, actor.ID, lang, "banned")
	}
	return lang, true, nil
}

// SetLanguage stores the choice and returns the confirmation text the
// prompt message should be edited to.
func (m *Machine) SetLanguage(ctx context.Context, actor Actor, lang string) (string, error) {
	defer m.lock(actor.ID)()
	oldLang, ok, err := m.guard(ctx, actor)
	if err != nil || !ok {
		return "", err
	}
	if err := m.store.SetLanguage(ctx, actor.ID, i18n.Normalize(lang)); err != nil {
		return "", err
	}
	logger.LogEvent(ctx, logger.SVCUsers, slog.LevelInfo, "user.lang_changed",
		slog.Int64("user_id", actor.ID),
		slog.String("lang", lang))
	return m.t(oldLang, "lang_changed", p("lang", strings.ToUpper(lang))), nil
}

// Block adds the sender behind a delivered copy to the receiver's
// blacklist and reports the incident to the admin.
func (m *Machine) Block(ctx context.Context, actor Actor, token string) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.guard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	msg, err := m.store.GetMessage(ctx, token)
	if err != nil {
		return err
	}
	if msg == nil {
		return m.say(ctx, actor.ID, lang, "message_not_found")
	}
	if err := m.store.AddBlock(ctx, actor.ID, msg.SenderID); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCModeration, slog.LevelInfo, "moderation.blocked",
		slog.String("token", token),
		slog.Int64("blocker_id", actor.ID),
		slog.Int64("blocked_id", msg.SenderID))

	adminLang := m.lang(ctx, m.adminID)
	report := m.t(adminLang, "block_report", p(
		"blocker_name", msg.ReceiverName.String,
		"blocker_username", msg.ReceiverUsername.String,
		"blocker_id", msg.ReceiverID,
		"blocked_name", msg.SenderName.String,
		"blocked_username", msg.SenderUsername.String,
		"blocked_id", msg.SenderID,
		"text", msg.Text.String,
	))
	if err := m.courier.SendMarkdown(ctx, m.adminID, report); err != nil {
		logger.LogEvent(ctx, logger.SVCModeration, slog.LevelWarn, "moderation.report_failed",
			slog.String("err", err.Error()))
	}
	if kind := relay.Kind(msg.MediaType.String); kind != "" && kind != relay.KindText {
		copyContent := relay.Content{Kind: kind, FileID: msg.FileID.String, Caption: msg.Caption.String}
		if err := m.deliver(ctx, m.adminID, adminLang, msg.Text.String, copyContent, nil); err != nil {
			logger.LogEvent(ctx, logger.SVCModeration, slog.LevelWarn, "moderation.report_failed",
				slog.String("err", err.Error()))
		}
	}

	kb := keyboard.InlineButtons([]keyboard.InlineBtn{{
		Text:   m.t(lang, "unblock"),
		Unique: "unblock",
		Data:   strconv.FormatInt(msg.SenderID, 10),
	}})
	return m.courier.SendHTML(ctx, actor.ID, m.t(lang, "block_sent"), kb)
}

// Unblock removes a user from the actor's blacklist.
func (m *Machine) Unblock(ctx context.Context, actor Actor, targetID int64) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.guard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	removed, err := m.store.RemoveBlock(ctx, actor.ID, targetID)
	if err != nil {
		return err
	}
	if !removed {
		return m.say(ctx, actor.ID, lang, "not_banned")
	}
	return m.say(ctx, actor.ID, lang, "unbanned_user")
}

// ClearBlacklist empties the actor's blacklist.
func (m *Machine) ClearBlacklist(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.guard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	if err := m.store.ClearBlocks(ctx, actor.ID); err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "blacklist_cleared")
}

// adminGuard extends guard with the admin check, replying admin_only to
// anyone else.
func (m *Machine) adminGuard(ctx context.Context, actor Actor) (string, bool, error) {
	lang, ok, err := m.guard(ctx, actor)
	if err != nil || !ok {
		return lang, false, err
	}
	if !m.isAdmin(actor.ID) {
		return lang, false, m.say(ctx, actor.ID, lang, "admin_only")
	}
	return lang, true, nil
}

// BeginBroadcast opens the broadcast flow.
func (m *Machine) BeginBroadcast(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	err = m.sessions.Put(ctx, session.Session{
		UserID: actor.ID, Step: session.StepBroadcastMessage, Payload: session.Empty{},
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "broadcast_message_prompt")
}

// BeginForward opens the forward fan-out flow.
func (m *Machine) BeginForward(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	err = m.sessions.Put(ctx, session.Session{
		UserID: actor.ID, Step: session.StepForwardMessage, Payload: session.Empty{},
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "forward_message_prompt")
}

// BroadcastAddButtons moves the drafted broadcast into button collection.
func (m *Machine) BroadcastAddButtons(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	sess, err := m.sessions.Get(ctx, actor.ID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Step != session.StepBroadcastAskInline {
		return nil
	}
	err = m.sessions.Put(ctx, session.Session{
		UserID: actor.ID, Step: session.StepBroadcastAskCount, Payload: sess.Payload,
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "button_count_prompt")
}

// BroadcastNoButtons sends the drafted broadcast as-is.
func (m *Machine) BroadcastNoButtons(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	sess, err := m.sessions.Get(ctx, actor.ID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Step != session.StepBroadcastAskInline {
		return nil
	}
	draft := sess.Payload.(session.BroadcastDraft)
	if err := m.sessions.Delete(ctx, actor.ID); err != nil {
		return err
	}
	return m.runBroadcast(ctx, actor, lang, draft, nil)
}

// BeginSetChannels opens the gating channel setup flow.
func (m *Machine) BeginSetChannels(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	err = m.sessions.Put(ctx, session.Session{
		UserID: actor.ID, Step: session.StepSetChannelCount, Payload: session.Empty{},
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "channel_count_prompt")
}

// RemoveChannels drops the subscription requirement entirely.
func (m *Machine) RemoveChannels(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	if err := m.store.ClearChannels(ctx); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCChannels, slog.LevelInfo, "channels.cleared")
	return m.say(ctx, actor.ID, lang, "channels_removed")
}

// TopUsers sends the referral leaderboard.
func (m *Machine) TopUsers(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	top, err := m.store.TopUsers(ctx, topUsersLim)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(m.t(lang, "top_users_title"))
	for i, u := range top {
		b.WriteString(m.t(lang, "top_users_item", p(
			"rank", i+1,
			"id", u.ID,
			"first_name", escapeOr(u.FirstName, m.t(lang, "unknown")),
			"username", escapeOr(u.Username, m.t(lang, "unknown")),
			"cnt", u.Referrals,
		)))
	}
	return m.courier.SendHTML(ctx, actor.ID, b.String(), nil)
}

// BeginUserInfo opens the admin user lookup prompt.
func (m *Machine) BeginUserInfo(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	lang, ok, err := m.adminGuard(ctx, actor)
	if err != nil || !ok {
		return err
	}
	err = m.sessions.Put(ctx, session.Session{
		UserID: actor.ID, Step: session.StepGetUserID, Payload: session.Empty{},
	})
	if err != nil {
		return err
	}
	return m.say(ctx, actor.ID, lang, "user_info_prompt")
}
