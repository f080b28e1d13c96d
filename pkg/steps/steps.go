// Package steps wires the built-in step processors into a registry.
package steps

import (
	"log/slog"
	"net/http"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/registry"
	"github.com/dukex/stepflow/pkg/steps/conditional"
	"github.com/dukex/stepflow/pkg/steps/custom"
	"github.com/dukex/stepflow/pkg/steps/delay"
	"github.com/dukex/stepflow/pkg/steps/email"
	"github.com/dukex/stepflow/pkg/steps/httpcall"
	"github.com/dukex/stepflow/pkg/steps/transform"
	"github.com/jonboulle/clockwork"
)

// Options carries the collaborators of the built-in processors. Zero values
// select production defaults.
type Options struct {
	HTTPClient     *http.Client
	Clock          clockwork.Clock
	Mailer         email.Mailer
	CustomHandlers map[string]custom.Handler
}

// RegisterDefaults installs a processor for every built-in step type.
func RegisterDefaults(reg *registry.Registry, logger *slog.Logger, opts Options) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	if opts.Mailer == nil {
		opts.Mailer = email.NewLogMailer(logger)
	}

	httpProcessor := httpcall.NewProcessor(opts.HTTPClient, logger)
	reg.Register(models.StepTypeAPICall, httpProcessor)
	reg.Register(models.StepTypeWebhook, httpProcessor)
	reg.Register(models.StepTypeDelay, delay.NewProcessor(opts.Clock))
	reg.Register(models.StepTypeTransform, transform.NewProcessor(logger))
	reg.Register(models.StepTypeEmail, email.NewProcessor(opts.Mailer))
	reg.Register(models.StepTypeConditional, conditional.NewProcessor(logger))

	customProcessor := custom.NewProcessor()
	for name, handler := range opts.CustomHandlers {
		customProcessor.Handle(name, handler)
	}

	reg.Register(models.StepTypeCustom, customProcessor)
}

// NewDefaultRegistry returns a registry with every built-in processor installed.
func NewDefaultRegistry(logger *slog.Logger, opts Options) *registry.Registry {
	reg := registry.NewRegistry(logger)
	RegisterDefaults(reg, logger, opts)

	return reg
}
