package flow

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/anonbot/bot/refcode"
	"github.com/m3rciful/anonbot/core/logger"
	"github.com/m3rciful/anonbot/core/telegram/keyboard"
)

// LangPrompt shows the language picker.
func (m *Machine) LangPrompt(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	kb := keyboard.InlineButtonsNPerRow([]keyboard.InlineBtn{
		{Text: "🇺🇿 O'zbek", Unique: "lang", Data: "uz"},
		{Text: "🇺🇸 English", Unique: "lang", Data: "en"},
		{Text: "🇷🇺 Русский", Unique: "lang", Data: "ru"},
	}, 3)
	return m.sayKB(ctx, actor.ID, lang, "lang_prompt", kb)
}

// MyStats shows the actor's activity counters together with a share
// button for their personal link.
func (m *Machine) MyStats(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)

	counters, err := m.store.UserStats(ctx, actor.ID)
	if err != nil {
		return err
	}
	link, err := m.refLink(ctx, actor.ID)
	if err != nil {
		return err
	}
	text := m.t(lang, "mystats", p(
		"today_messages", counters.TodayMessages,
		"today_referrals", counters.TodayReferrals,
		"total_messages", counters.TotalMessages,
		"total_referrals", counters.TotalReferrals,
		"popularity_rank", counters.Rank,
		"ref_link", link,
	))

	// The share preview repeats the post text without its trailing link,
	// Telegram appends the link itself.
	shareText, _, _ := strings.Cut(m.t(lang, "share_post", p("ref_link", link)), "👉🏻")
	kb := keyboard.InlineButtons([]keyboard.InlineBtn{{
		Text: m.t(lang, "share_button"),
		URL:  refcode.ShareLink(link, strings.TrimSpace(shareText)),
	}})
	return m.courier.SendHTML(ctx, actor.ID, text, kb)
}

// Blacklist shows the actor's blacklist size with a clear button.
func (m *Machine) Blacklist(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	count, err := m.store.CountBlocks(ctx, actor.ID)
	if err != nil {
		return err
	}
	kb := keyboard.InlineButtons([]keyboard.InlineBtn{{
		Text:   m.t(lang, "clear_blacklist"),
		Unique: "clear_blacklist",
	}})
	return m.sayKB(ctx, actor.ID, lang, "blacklist", kb, p("count", count))
}

// SetCustomRef handles /url: replacing the personal link with a chosen
// slug. The previous encoded-ID link stops working once a slug is set.
func (m *Machine) SetCustomRef(ctx context.Context, actor Actor, args []string) error {
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
	if len(args) == 0 {
		return m.say(ctx, actor.ID, lang, "url_usage")
	}
	slug := strings.ToLower(args[0])
	if !refcode.IsValidSlug(slug) {
		return m.say(ctx, actor.ID, lang, "url_invalid")
	}
	taken, err := m.store.IsRefTaken(ctx, slug)
	if err != nil {
		return err
	}
	if taken {
		return m.say(ctx, actor.ID, lang, "url_taken")
	}
	if err := m.store.SetCustomRef(ctx, actor.ID, slug); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCUsers, slog.LevelInfo, "user.custom_ref_set",
		slog.Int64("user_id", actor.ID),
		slog.String("slug", slug))
	return m.say(ctx, actor.ID, lang, "url_set",
		p("ref_link", refcode.Link(m.courier.Username(), slug)))
}

// AdminPanel shows the admin action keyboard.
func (m *Machine) AdminPanel(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	if !m.isAdmin(actor.ID) {
		return m.say(ctx, actor.ID, lang, "admin_only")
	}
	kb := keyboard.InlineButtons([]keyboard.InlineBtn{
		{Text: m.t(lang, "broadcast_button"), Unique: "broadcast"},
		{Text: m.t(lang, "forward_button"), Unique: "forward"},
		{Text: m.t(lang, "set_channel_button"), Unique: "set_channel"},
		{Text: m.t(lang, "remove_channel_button"), Unique: "remove_channel"},
		{Text: m.t(lang, "top_users_button"), Unique: "top_users"},
		{Text: m.t(lang, "user_info_button"), Unique: "user_info"},
	})
	return m.sayKB(ctx, actor.ID, lang, "admin_panel", kb)
}

// Stats sends the global counters to the admin.
func (m *Machine) Stats(ctx context.Context, actor Actor) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	if !m.isAdmin(actor.ID) {
		return m.say(ctx, actor.ID, lang, "admin_only")
	}
	st, err := m.store.BotStats(ctx)
	if err != nil {
		return err
	}
	text := m.t(lang, "stats", p(
		"users_count", st.Users,
		"banned_users_count", st.Banned,
		"messages_count", st.Messages,
	))
	return m.courier.SendMarkdown(ctx, actor.ID, text)
}

// Ban bars a user from the bot and tells them so.
func (m *Machine) Ban(ctx context.Context, actor Actor, args []string) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	if !m.isAdmin(actor.ID) {
		return m.say(ctx, actor.ID, lang, "admin_only")
	}
	if len(args) == 0 {
		return m.say(ctx, actor.ID, lang, "ban_usage")
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return m.say(ctx, actor.ID, lang, "error_id")
	}
	if err := m.store.BanUser(ctx, targetID); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCModeration, slog.LevelInfo, "moderation.banned",
		slog.Int64("user_id", targetID))
	if err := m.courier.SendText(ctx, targetID, m.t(m.lang(ctx, targetID), "banned"), nil, nil); err != nil {
		return m.say(ctx, actor.ID, lang, "error_id")
	}
	return m.say(ctx, actor.ID, lang, "banned_user", p("user_id", targetID))
}

// Unban lifts a ban if one exists and notifies the user.
func (m *Machine) Unban(ctx context.Context, actor Actor, args []string) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	if !m.isAdmin(actor.ID) {
		return m.say(ctx, actor.ID, lang, "admin_only")
	}
	if len(args) == 0 {
		return m.say(ctx, actor.ID, lang, "unban_usage")
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return m.say(ctx, actor.ID, lang, "error_id")
	}
	lifted, err := m.store.UnbanUser(ctx, targetID)
	if err != nil {
		return err
	}
	if !lifted {
		return m.say(ctx, actor.ID, lang, "not_banned")
	}
	logger.LogEvent(ctx, logger.SVCModeration, slog.LevelInfo, "moderation.unbanned",
		slog.Int64("user_id", targetID))
	if err := m.courier.SendText(ctx, targetID, m.t(m.lang(ctx, targetID), "unbanned_user"), nil, nil); err != nil {
		return m.say(ctx, actor.ID, lang, "error_id")
	}
	return m.say(ctx, actor.ID, lang, "unbanned_user")
}

// Warn forwards a complaint warning to a user.
func (m *Machine) Warn(ctx context.Context, actor Actor, args []string) error {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)
	if !m.isAdmin(actor.ID) {
		return m.say(ctx, actor.ID, lang, "admin_only")
	}
	if len(args) == 0 {
		return m.say(ctx, actor.ID, lang, "warn_usage")
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return m.say(ctx, actor.ID, lang, "error_id")
	}
	if err := m.say(ctx, targetID, m.lang(ctx, targetID), "warn_message"); err != nil {
		return m.say(ctx, actor.ID, lang, "error_id")
	}
	logger.LogEvent(ctx, logger.SVCModeration, slog.LevelInfo, "moderation.warned",
		slog.Int64("user_id", targetID))
	return m.say(ctx, actor.ID, lang, "warned_user", p("user_id", targetID))
}
