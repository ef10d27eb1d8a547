package bot

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/anonbot/bot/flow"
	"github.com/m3rciful/anonbot/bot/handlers"
	"github.com/m3rciful/anonbot/bot/i18n"
	"github.com/m3rciful/anonbot/bot/relay"
	"github.com/m3rciful/anonbot/bot/storage"
	"github.com/m3rciful/anonbot/core/bootstrap"
	coretelegram "github.com/m3rciful/anonbot/core/telegram"
	tghelpers "github.com/m3rciful/anonbot/core/telegram/helpers"
	"github.com/m3rciful/anonbot/core/telegram/router"
	tele "gopkg.in/telebot.v4"
)

var (
	_ flow.Store      = (*storage.Store)(nil)
	_ router.Sessions = (*handlers.Handlers)(nil)
)

// App holds the wired application components.
type App struct {
	cfg      *Config
	db       *sqlx.DB
	registry *coretelegram.Registry
	courier  *relay.TeleCourier
	machine  *flow.Machine
	handlers *handlers.Handlers
	bundle   *i18n.Bundle
}

// Bootstrap initializes the logger, database and migrations, then wires
// the application components together.
func Bootstrap(cfg *Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bot: nil config provided")
	}

	res, err := bootstrap.Run(bootstrap.Options{
		Config:   &cfg.Core,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, err
	}

	bundle, err := i18n.Load()
	if err != nil {
		_ = res.DB.Close()
		return nil, err
	}

	store := storage.New(res.DB)
	courier := relay.NewTeleCourier()
	machine := flow.New(flow.Options{
		Store:    store,
		Sessions: store.Sessions(),
		Courier:  courier,
		Bundle:   bundle,
		AdminID:  cfg.Core.Telegram.AdminID,
	})

	h := handlers.New(machine, bundle)
	reg := coretelegram.NewRegistry()
	h.Register(reg)

	return &App{
		cfg:      cfg,
		db:       res.DB,
		registry: reg,
		courier:  courier,
		machine:  machine,
		handlers: h,
		bundle:   bundle,
	}, nil
}

// TelegramRunOptions assembles routes and lifecycle hooks for the runtime.
func (a *App) TelegramRunOptions() (coretelegram.RunOptions, error) {
	adminID := a.cfg.Core.Telegram.AdminID

	adminReject := func(c tele.Context) error {
		return tghelpers.SendText(c, a.bundle.T(i18n.DefaultLang, "admin_only"))
	}

	routes := router.CommandRoutes(a.registry, router.CommandRouteOptions{
		AdminID:       adminID,
		OnAdminReject: adminReject,
	})
	routes = append(routes, router.CallbackRoute(a.registry, router.CallbackOptions{}))
	routes = append(routes, router.MessageRoutes(a.handlers, a.registry, router.MessageOptions{})...)

	return coretelegram.RunOptions{
		Config:      &a.cfg.Core,
		Registry:    a.registry,
		Middlewares: coretelegram.DefaultMiddlewares(&a.cfg.Core, nil),
		Routes:      routes,
		OnStart: func(_ context.Context, rt coretelegram.Runtime) error {
			a.courier.Bind(rt.Bot)
			return nil
		},
		OnStop: func(_ context.Context, _ coretelegram.Runtime) error {
			return a.db.Close()
		},
	}, nil
}
