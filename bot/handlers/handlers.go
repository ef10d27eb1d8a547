// Package handlers adapts Telegram updates to the conversation machine.
// Everything here is a thin translation layer: it extracts the actor and
// content from tele.Context and calls into flow, which owns the logic.
package handlers

import (
	"strings"

	"github.com/m3rciful/anonbot/bot/flow"
	"github.com/m3rciful/anonbot/bot/i18n"
	"github.com/m3rciful/anonbot/bot/relay"
	"github.com/m3rciful/anonbot/core/telegram"
	"github.com/m3rciful/anonbot/core/telegram/commands"
	tghelpers "github.com/m3rciful/anonbot/core/telegram/helpers"
	tele "gopkg.in/telebot.v4"
)

// Handlers binds the conversation machine to the bot registry.
type Handlers struct {
	machine *flow.Machine
	bundle  *i18n.Bundle
}

func New(machine *flow.Machine, bundle *i18n.Bundle) *Handlers {
	return &Handlers{machine: machine, bundle: bundle}
}

func actorFrom(c tele.Context) flow.Actor {
	sender := c.Sender()
	if sender == nil {
		return flow.Actor{}
	}
	return flow.Actor{
		ID:        sender.ID,
		FirstName: sender.FirstName,
		Username:  sender.Username,
	}
}

// replyToken extracts the correlation token when msg replies to a
// delivered anonymous copy. The copy carries a single block button whose
// callback data is "\fblock|<token>".
func replyToken(msg *tele.Message) string {
	if msg == nil || msg.ReplyTo == nil || msg.ReplyTo.ReplyMarkup == nil {
		return ""
	}
	for _, row := range msg.ReplyTo.ReplyMarkup.InlineKeyboard {
		for _, btn := range row {
			data := strings.TrimPrefix(btn.Data, "\f")
			unique, payload, found := strings.Cut(data, "|")
			if found && unique == "block" {
				return payload
			}
		}
	}
	return ""
}

// HandleMessage routes a non-command message into the session machine.
// It satisfies router.Sessions.
func (h *Handlers) HandleMessage(c tele.Context) error {
	msg := c.Message()
	if msg == nil {
		return nil
	}
	in := flow.Incoming{
		Content:    relay.FromMessage(msg),
		MessageID:  msg.ID,
		ReplyToken: replyToken(msg),
	}
	return h.machine.HandleIncoming(tghelpers.BuildContext(c), actorFrom(c), in)
}

// Register wires every command and callback into the registry.
func (h *Handlers) Register(reg *telegram.Registry) {
	h.registerCommands(reg)
	h.registerCallbacks(reg)
}

func (h *Handlers) registerCommands(reg *telegram.Registry) {
	desc := func(key string) string { return h.bundle.T(i18n.DefaultLang, key) }

	reg.RegisterCommand("/start", commands.Command{
		Description: desc("cmd_start"),
		Handler: func(c tele.Context) error {
			return h.machine.Start(tghelpers.BuildContext(c), actorFrom(c), c.Args())
		},
	})
	reg.RegisterCommand("/lang", commands.Command{
		Description: desc("cmd_lang"),
		Handler: func(c tele.Context) error {
			return h.machine.LangPrompt(tghelpers.BuildContext(c), actorFrom(c))
		},
	})
	reg.RegisterCommand("/mystats", commands.Command{
		Description: desc("cmd_mystats"),
		Handler: func(c tele.Context) error {
			return h.machine.MyStats(tghelpers.BuildContext(c), actorFrom(c))
		},
	})
	reg.RegisterCommand("/blacklist", commands.Command{
		Description: desc("cmd_blacklist"),
		Handler: func(c tele.Context) error {
			return h.machine.Blacklist(tghelpers.BuildContext(c), actorFrom(c))
		},
	})
	reg.RegisterCommand("/url", commands.Command{
		Description: desc("cmd_url"),
		Handler: func(c tele.Context) error {
			return h.machine.SetCustomRef(tghelpers.BuildContext(c), actorFrom(c), c.Args())
		},
	})
	reg.RegisterCommand("/admin", commands.Command{
		Description: "Admin panel",
		AdminOnly:   true,
		Handler: func(c tele.Context) error {
			return h.machine.AdminPanel(tghelpers.BuildContext(c), actorFrom(c))
		},
	})
	reg.RegisterCommand("/stats", commands.Command{
		Description: "Bot statistics",
		AdminOnly:   true,
		Handler: func(c tele.Context) error {
			return h.machine.Stats(tghelpers.BuildContext(c), actorFrom(c))
		},
	})
	reg.RegisterCommand("/ban", commands.Command{
		Description: "Ban a user",
		AdminOnly:   true,
		Handler: func(c tele.Context) error {
			return h.machine.Ban(tghelpers.BuildContext(c), actorFrom(c), c.Args())
		},
	})
	reg.RegisterCommand("/unban", commands.Command{
		Description: "Unban a user",
		AdminOnly:   true,
		Handler: func(c tele.Context) error {
			return h.machine.Unban(tghelpers.BuildContext(c), actorFrom(c), c.Args())
		},
	})
	reg.RegisterCommand("/warn", commands.Command{
		Description: "Warn a user",
		AdminOnly:   true,
		Handler: func(c tele.Context) error {
			return h.machine.Warn(tghelpers.BuildContext(c), actorFrom(c), c.Args())
		},
	})
}
