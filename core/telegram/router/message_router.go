package router

import (
	"time"

	tg "github.com/m3rciful/anonbot/core/telegram"
	"github.com/m3rciful/anonbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// Sessions defines the minimal interface for a conversation session manager.
// Every incoming message is dispatched by the current step of the sender.
type Sessions interface {
	HandleMessage(c tele.Context) error
}

// MessageOptions controls fallback behaviour for message updates.
type MessageOptions struct {
	UnknownText tele.HandlerFunc
}

// MessageRoutes builds handlers for text and media routing.
// Text goes through command lookup first (aliases and dynamic commands),
// then into the session machine. Media updates go straight to the machine.
func MessageRoutes(sessions Sessions, reg *tg.Registry, opts MessageOptions) []tg.Route {
	textHandler := func(c tele.Context) error {
		start := time.Now()
		text := c.Text()

		if reg != nil {
			if key, cmd, ok := reg.LookupCommand(text); ok && cmd.Handler != nil {
				name := normalizeHandlerName(key)
				return handleWithSummary(c, name, start, "", "", func() error {
					return cmd.Handler(c)
				})
			}
		}

		if sessions != nil {
			return handleWithSummary(c, "session", start, "", "", func() error {
				return sessions.HandleMessage(c)
			})
		}

		if reg != nil {
			if fb := reg.TextFallback(); fb != nil {
				return handleWithSummary(c, "fallback", start, "", "", func() error {
					return fb(c)
				})
			}
		}

		if opts.UnknownText != nil {
			return handleWithSummary(c, "unknown_text", start, "", "", func() error {
				return opts.UnknownText(c)
			})
		}

		logHandlerSummary(c, "unknown_text", start, "skip", "ok", nil)
		return nil
	}

	mediaHandler := func(c tele.Context) error {
		start := time.Now()
		if sessions != nil {
			return handleWithSummary(c, "session_media", start, "", "", func() error {
				return sessions.HandleMessage(c)
			})
		}
		logHandlerSummary(c, "session_media", start, "skip", "ok", nil)
		return nil
	}

	wrap := func(h tele.HandlerFunc) tele.HandlerFunc {
		return middleware.RecoverMiddleware(middleware.LoggerMiddleware(h))
	}

	routes := []tg.Route{
		{Endpoint: tele.OnText, Handler: wrap(textHandler)},
	}
	mediaEndpoints := []string{
		tele.OnPhoto,
		tele.OnVideo,
		tele.OnAudio,
		tele.OnVoice,
		tele.OnVideoNote,
		tele.OnDocument,
		tele.OnAnimation,
		tele.OnSticker,
		tele.OnDice,
		tele.OnLocation,
		tele.OnContact,
		tele.OnPoll,
	}
	for _, ep := range mediaEndpoints {
		routes = append(routes, tg.Route{Endpoint: ep, Handler: wrap(mediaHandler)})
	}
	return routes
}
