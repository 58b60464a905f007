package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
)

// Engine is the part of the lookup engine the one-shot command drives.
type Engine interface {
	Submit(ctx context.Context, company lookup.Company, principalID string) (lookup.Job, error)
	Await(ctx context.Context, id string, interval time.Duration) (lookup.Job, error)
}

func newLookupCmd() *cobra.Command {
	var (
		company lookup.Company
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Run a single lookup in-process and print the finished job as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()

			workerDone := make(chan error, 1)
			go func() { workerDone <- svc.RunWorker(ctx) }()

			job, err := runLookup(ctx, svc.Engine(), company)
			cancel()
			if werr := <-workerDone; werr != nil {
				svc.Logger().Warn("worker stopped with error", zap.Error(werr))
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(job); err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			if job.Status == lookup.JobStatusError {
				return fmt.Errorf("lookup failed: %s", job.ErrorKind)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&company.ID, "company-id", "", "register identifier of the company (required)")
	cmd.Flags().StringVar(&company.Name, "company-name", "", "company name as registered (required)")
	cmd.Flags().StringVar(&company.HRB, "hrb", "", "HRB number")
	cmd.Flags().StringVar(&company.Court, "court", "", "register court")
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Minute, "maximum time to wait for the lookup")
	_ = cmd.MarkFlagRequired("company-id")
	_ = cmd.MarkFlagRequired("company-name")
	return cmd
}

func runLookup(ctx context.Context, eng Engine, company lookup.Company) (lookup.Job, error) {
	job, err := eng.Submit(ctx, company, "")
	if err != nil {
		return lookup.Job{}, fmt.Errorf("submit lookup: %w", err)
	}
	if job.Status.Terminal() {
		return job, nil
	}
	final, err := eng.Await(ctx, job.ID, 200*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return final, fmt.Errorf("lookup %s still %s: %w", job.ID, final.Status, err)
		}
		return lookup.Job{}, fmt.Errorf("await lookup: %w", err)
	}
	return final, nil
}
