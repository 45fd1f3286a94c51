package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ManuelReschke/TokenFox/internal/pkg/billing"
	"github.com/ManuelReschke/TokenFox/internal/pkg/cache"
	"github.com/ManuelReschke/TokenFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TokenFox/internal/pkg/ledger"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the services the routes are built on. Queue, Plans and
// Gatherer may be nil.
type Dependencies struct {
	Engine   *ledger.Engine
	Billing  *billing.Service
	Queue    *jobqueue.Queue
	Plans    *cache.Store
	Gatherer prometheus.Gatherer
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
