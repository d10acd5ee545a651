package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recurring/internal/billing"
	"github.com/smallbiznis/recurring/internal/billingcycle"
	"github.com/smallbiznis/recurring/internal/clock"
	"github.com/smallbiznis/recurring/internal/config"
	"github.com/smallbiznis/recurring/internal/customer"
	"github.com/smallbiznis/recurring/internal/migration"
	"github.com/smallbiznis/recurring/internal/observability"
	"github.com/smallbiznis/recurring/internal/order"
	"github.com/smallbiznis/recurring/internal/payment"
	"github.com/smallbiznis/recurring/internal/scheduler"
	"github.com/smallbiznis/recurring/internal/server"
	"github.com/smallbiznis/recurring/internal/subscription"
	"github.com/smallbiznis/recurring/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Billing domains
		billingcycle.Module,
		subscription.Module,
		customer.Module,
		order.Module,
		payment.Module,
		billing.Module,

		scheduler.Module,
		scheduler.Loop,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.Scheduler.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.Scheduler.NodeID, err)
	}
	return node, nil
}
