package billing

import (
	"github.com/quizforge/quizforge/internal/billing/repository"
	"github.com/quizforge/quizforge/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(
		repository.New,
		service.NewService,
	),
)
