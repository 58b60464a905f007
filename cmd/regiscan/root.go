package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/app"
	"github.com/dougmens/handelsregister-abruf/internal/config"
	"github.com/dougmens/handelsregister-abruf/internal/logging"
)

type appKeyType struct{}

// Service is what subcommands need from the assembled application.
type Service interface {
	Serve(ctx context.Context) error
	RunWorker(ctx context.Context) error
	Engine() Engine
	Close(ctx context.Context) error
	Logger() *zap.Logger
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (Service, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, err
	}
	return appService{App: a, logger: logger}, nil
}

type appService struct {
	*app.App
	logger *zap.Logger
}

func (s appService) Engine() Engine { return s.App.Engine() }

func (s appService) Logger() *zap.Logger { return s.logger }

func (s appService) Close(ctx context.Context) error {
	err := s.App.Close(ctx)
	_ = s.logger.Sync()
	return err
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "regiscan",
		Short: "Commercial register lookups with rate limiting and a same-day cache.",
		Long: `regiscan fetches register extracts for companies, one at a time, through
either a synthetic provider or a containerized register client. Results and
their PDF documents are kept for the day and served over HTTP.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, svc))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return nil
			}
			if err := svc.Close(context.Background()); err != nil {
				return fmt.Errorf("close application services: %w", err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the REGISCAN_ prefix")

	cmd.AddCommand(newServeCmd(), newLookupCmd())
	return cmd
}

func resolveApp(ctx context.Context) (Service, error) {
	svc, ok := ctx.Value(appKeyType{}).(Service)
	if !ok || svc == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return svc, nil
}
