package core

import (
	"context"

	"github.com/hivemesh/switchboard/pkg/audit"
	"github.com/hivemesh/switchboard/pkg/breaker"
	"github.com/hivemesh/switchboard/pkg/broker"
	"github.com/hivemesh/switchboard/pkg/clock"
	"github.com/hivemesh/switchboard/pkg/config"
	"github.com/hivemesh/switchboard/pkg/jobboard"
	"github.com/hivemesh/switchboard/pkg/maintenance"
	"github.com/hivemesh/switchboard/pkg/notify"
	"github.com/hivemesh/switchboard/pkg/ratelimit"
	"github.com/hivemesh/switchboard/pkg/registry"
	"github.com/hivemesh/switchboard/pkg/store"
	"github.com/hivemesh/switchboard/pkg/voting"
)

// Core wires the coordination engines over one store. Wiring only; the
// business rules live in the engine packages and each engine remains
// independently constructible for tests.
type Core struct {
	Store       *store.Store
	Clock       *clock.Clock
	Limiter     *ratelimit.Limiter
	Breakers    *breaker.Registry
	Hub         *notify.Hub
	Broker      *broker.Broker
	Board       *jobboard.Board
	Votes       *voting.Engine
	Registry    *registry.Registry
	Audit       *audit.Log
	Maintenance *maintenance.Loop
}

// Open builds a Core from configuration. The maintenance loop is
// constructed but not started; call Core.Maintenance.Start (or RunOnce)
// as the host dictates.
func Open(cfg *config.Config) (*Core, error) {
	st, err := store.Open(cfg.DataDir, store.Options{
		BusyTimeout: cfg.Store.BusyTimeout.Std(),
		MaxRetries:  cfg.Store.MaxRetries,
		RetryBase:   cfg.Store.RetryBase.Std(),
	})
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	limiter := ratelimit.New(cfg.RateLimit.RefillPerSecond, cfg.RateLimit.Capacity)
	breakers := breaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenFor.Std())
	hub := notify.NewHub()

	br := broker.New(st, clk, limiter, breakers, hub, broker.Options{
		AskTimeout: cfg.Ask.DefaultTimeout.Std(),
	})
	board := jobboard.New(st, clk, jobboard.Options{
		StaleAfter: cfg.JobBoard.StaleAfter.Std(),
	})
	votes := voting.New(st, clk, br)
	reg := registry.New(st, clk, registry.Options{
		ActiveWithin:   cfg.Registry.ActiveWithin.Std(),
		DegradedWithin: cfg.Registry.DegradedWithin.Std(),
	})
	loop := maintenance.New(st, clk, votes, maintenance.Options{
		Interval:        cfg.Maintenance.Interval.Std(),
		VacuumFreePages: cfg.Maintenance.VacuumFreePages,
	})

	return &Core{
		Store:       st,
		Clock:       clk,
		Limiter:     limiter,
		Breakers:    breakers,
		Hub:         hub,
		Broker:      br,
		Board:       board,
		Votes:       votes,
		Registry:    reg,
		Audit:       audit.NewLog(st),
		Maintenance: loop,
	}, nil
}

// Ping verifies the store is reachable.
func (c *Core) Ping(ctx context.Context) error {
	return c.Store.Ping(ctx)
}

// Close releases the store handles. Stop the maintenance loop first if
// it was started.
func (c *Core) Close() error {
	return c.Store.Close()
}
