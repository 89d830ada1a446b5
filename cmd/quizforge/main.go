package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/quizforge/quizforge/internal/billing"
	"github.com/quizforge/quizforge/internal/clock"
	"github.com/quizforge/quizforge/internal/cloudmetrics"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/generation"
	"github.com/quizforge/quizforge/internal/migration"
	"github.com/quizforge/quizforge/internal/observability"
	"github.com/quizforge/quizforge/internal/providers/pdf"
	"github.com/quizforge/quizforge/internal/ratelimit"
	"github.com/quizforge/quizforge/internal/scheduler"
	"github.com/quizforge/quizforge/internal/server"
	"github.com/quizforge/quizforge/pkg/db"
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

		// Token ledger and its collaborators
		billing.Module,
		generation.Module,
		ratelimit.Module,
		scheduler.Module,
		cloudmetrics.Module,

		// HTTP surface
		pdf.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
