// Package synthetic implements a deterministic stand-in for the register provider.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
)

// DefaultStageDelay is the simulated provider latency of the first stage.
const DefaultStageDelay = 800 * time.Millisecond

// PlaceholderPDF is committed when no sample document is available.
var PlaceholderPDF = []byte("%PDF-1.4\n%...\n%%EOF")

// FixedSummary is returned for every synthetic lookup.
func FixedSummary() lookup.Summary {
	return lookup.Summary{
		Purpose:     "Entwicklung und Vertrieb von Softwarelösungen sowie Beratung im IT-Bereich.",
		Capital:     "25.000,00 EUR",
		Management:  []string{"Max Mustermann (Geschäftsführer)"},
		Procuration: []string{"Erika Musterfrau (Einzelprokura)"},
		LastChange:  "2024-02-15",
	}
}

// Config tunes the synthetic strategy.
type Config struct {
	// StageDelay precedes the first progress stage; the second waits 1.5x as long.
	StageDelay time.Duration
	// SamplePath points at a PDF to serve. A placeholder is used when it cannot be read.
	SamplePath string
}

// Strategy produces staged progress and a fixed result.
type Strategy struct {
	cfg       Config
	artifacts lookup.ArtifactWriter
	logger    *zap.Logger
}

// New constructs a synthetic Strategy. A negative StageDelay disables waiting.
func New(cfg Config, artifacts lookup.ArtifactWriter, logger *zap.Logger) (*Strategy, error) {
	if artifacts == nil {
		return nil, errors.New("artifact writer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageDelay == 0 {
		cfg.StageDelay = DefaultStageDelay
	}
	return &Strategy{cfg: cfg, artifacts: artifacts, logger: logger}, nil
}

// Mode implements lookup.Strategy.
func (s *Strategy) Mode() lookup.ExecutionMode {
	return lookup.ModeSynthetic
}

// Execute implements lookup.Strategy.
func (s *Strategy) Execute(ctx context.Context, task lookup.Task, sink lookup.Sink) (lookup.Result, error) {
	if err := s.wait(ctx, s.cfg.StageDelay); err != nil {
		return lookup.Result{}, err
	}
	sink.Progress(40)
	sink.Log(lookup.SeverityInfo, "Register-Schnittstelle antwortet.")

	if err := s.wait(ctx, s.cfg.StageDelay*3/2); err != nil {
		return lookup.Result{}, err
	}
	sink.Progress(80)
	sink.Log(lookup.SeverityInfo, "Strukturierte Daten transformiert.")

	hash, err := s.artifacts.Put(ctx, s.document(task))
	if err != nil {
		return lookup.Result{}, fmt.Errorf("commit sample document: %w", err)
	}
	sink.Log(lookup.SeveritySuccess, "PDF gespeichert: "+hash)

	return lookup.Result{
		Summary:       FixedSummary(),
		DocumentHash:  hash,
		LiveAvailable: false,
	}, nil
}

func (s *Strategy) document(task lookup.Task) []byte {
	if s.cfg.SamplePath == "" {
		return PlaceholderPDF
	}
	data, err := os.ReadFile(s.cfg.SamplePath)
	if err != nil || len(data) == 0 {
		s.logger.Debug("sample document unavailable, using placeholder",
			zap.String("job_id", task.JobID),
			zap.String("path", s.cfg.SamplePath),
			zap.Error(err),
		)
		return PlaceholderPDF
	}
	return data
}

func (s *Strategy) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("synthetic lookup interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
