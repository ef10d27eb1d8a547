package flow

import (
	"context"
	"log/slog"

	"github.com/m3rciful/anonbot/bot/session"
	"github.com/m3rciful/anonbot/core/logger"
)

// Start handles /start. With no argument the user gets their personal
// link; with a referral code the user enters the send flow toward the
// code's owner. When gating channels are configured and the user is not
// subscribed, the arguments are parked until membership is confirmed.
func (m *Machine) Start(ctx context.Context, actor Actor, args []string) error {
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
		if err := m.sayKB(ctx, actor.ID, lang, "subscribe_channels", m.channelsKeyboard(ctx, lang)); err != nil {
			return err
		}
		return m.sessions.Put(ctx, session.Session{
			UserID:  actor.ID,
			Step:    session.StepPendingMembership,
			Payload: session.PendingStart{Args: args},
		})
	}
	return m.startResolved(ctx, actor, lang, args)
}

// startResolved runs the post-gate part of /start. It is shared with the
// membership re-check, which resumes parked arguments through it.
func (m *Machine) startResolved(ctx context.Context, actor Actor, lang string, args []string) error {
	if len(args) == 0 {
		link, err := m.refLink(ctx, actor.ID)
		if err != nil {
			return err
		}
		return m.say(ctx, actor.ID, lang, "own_link", p("ref_link", link))
	}

	receiverID, err := m.resolveRef(ctx, args[0])
	if err != nil {
		return m.say(ctx, actor.ID, lang, "invalid_link")
	}
	if receiverID == actor.ID {
		return m.say(ctx, actor.ID, lang, "self_message")
	}
	banned, err := m.store.IsBanned(ctx, receiverID)
	if err != nil {
		return err
	}
	if banned {
		return m.say(ctx, actor.ID, lang, "user_banned")
	}

	if err := m.store.AddReferral(ctx, receiverID, actor.ID); err != nil {
		return err
	}
	if err := m.sessions.Put(ctx, session.Session{
		UserID:  actor.ID,
		Step:    session.StepSend,
		Payload: session.SendTarget{ReceiverID: receiverID},
	}); err != nil {
		return err
	}
	logger.LogEvent(ctx, logger.SVCRelay, slog.LevelInfo, "relay.compose_started",
		slog.Int64("sender_id", actor.ID),
		slog.Int64("receiver_id", receiverID))
	return m.say(ctx, actor.ID, lang, "send_message")
}

// CheckMembership re-runs the channel gate after the user pressed the
// check button. An empty alert means the gate is open and the prompt
// message should be removed; otherwise the alert text is shown to the
// user without leaving the prompt.
func (m *Machine) CheckMembership(ctx context.Context, actor Actor) (alert string, err error) {
	defer m.lock(actor.ID)()
	m.touch(ctx, actor)
	lang := m.lang(ctx, actor.ID)

	banned, err := m.store.IsBanned(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	if banned {
		return "", m.say(ctx, actor.ID, lang, "banned")
	}

	if !m.isMember(ctx, actor.ID) {
		return m.t(lang, "not_subscribed_alert"), nil
	}

	if err := m.say(ctx, actor.ID, lang, "thanks_subscribed"); err != nil {
		return "", err
	}
	sess, err := m.sessions.Get(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	if sess == nil || sess.Step != session.StepPendingMembership {
		return "", nil
	}
	pending, _ := sess.Payload.(session.PendingStart)
	if err := m.sessions.Delete(ctx, actor.ID); err != nil {
		return "", err
	}
	return "", m.startResolved(ctx, actor, lang, pending.Args)
}
