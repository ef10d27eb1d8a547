package handlers

import (
	"github.com/m3rciful/anonbot/core/telegram"
	"github.com/m3rciful/anonbot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/anonbot/core/telegram/helpers"
	tele "gopkg.in/telebot.v4"
)

func (h *Handlers) registerCallbacks(reg *telegram.Registry) {
	register := func(key string, handler tele.HandlerFunc) {
		_ = reg.RegisterCallback(key, handler)
	}

	register("lang", func(c tele.Context) error {
		confirmation, err := h.machine.SetLanguage(
			tghelpers.BuildContext(c), actorFrom(c), callbacks.CallbackPayload(c))
		if err != nil || confirmation == "" {
			return err
		}
		return tghelpers.EditHTML(c, confirmation)
	})

	register("check_membership", func(c tele.Context) error {
		alert, err := h.machine.CheckMembership(tghelpers.BuildContext(c), actorFrom(c))
		if err != nil {
			return err
		}
		if alert != "" {
			return c.Respond(&tele.CallbackResponse{Text: alert, ShowAlert: true})
		}
		// Gate passed: the subscribe prompt is stale now.
		return c.Delete()
	})

	register("block", func(c tele.Context) error {
		return h.machine.Block(tghelpers.BuildContext(c), actorFrom(c), callbacks.CallbackPayload(c))
	})

	register("unblock", func(c tele.Context) error {
		targetID, err := callbacks.PayloadInt64(c)
		if err != nil {
			return err
		}
		return h.machine.Unblock(tghelpers.BuildContext(c), actorFrom(c), targetID)
	})

	register("clear_blacklist", func(c tele.Context) error {
		return h.machine.ClearBlacklist(tghelpers.BuildContext(c), actorFrom(c))
	})

	register("broadcast", func(c tele.Context) error {
		return h.machine.BeginBroadcast(tghelpers.BuildContext(c), actorFrom(c))
	})
	register("broadcast_add_buttons", func(c tele.Context) error {
		return h.machine.BroadcastAddButtons(tghelpers.BuildContext(c), actorFrom(c))
	})
	register("broadcast_no_buttons", func(c tele.Context) error {
		return h.machine.BroadcastNoButtons(tghelpers.BuildContext(c), actorFrom(c))
	})

	register("forward", func(c tele.Context) error {
		return h.machine.BeginForward(tghelpers.BuildContext(c), actorFrom(c))
	})

	register("set_channel", func(c tele.Context) error {
		return h.machine.BeginSetChannels(tghelpers.BuildContext(c), actorFrom(c))
	})
	register("remove_channel", func(c tele.Context) error {
		return h.machine.RemoveChannels(tghelpers.BuildContext(c), actorFrom(c))
	})

	register("top_users", func(c tele.Context) error {
		return h.machine.TopUsers(tghelpers.BuildContext(c), actorFrom(c))
	})
	register("user_info", func(c tele.Context) error {
		return h.machine.BeginUserInfo(tghelpers.BuildContext(c), actorFrom(c))
	})
}
