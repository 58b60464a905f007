package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dougmens/handelsregister-abruf/internal/lookup"
	"github.com/dougmens/handelsregister-abruf/internal/progress"
)

// Completion is the notification payload published for every finished job.
type Completion struct {
	JobID        string           `json:"jobId"`
	PrincipalID  string           `json:"principalId"`
	CompanyID    string           `json:"companyId"`
	CompanyName  string           `json:"companyName"`
	Status       lookup.JobStatus `json:"status"`
	ErrorCode    lookup.ErrorKind `json:"errorCode,omitempty"`
	DocumentHash string           `json:"documentHash,omitempty"`
	CacheHit     bool             `json:"cacheHit"`
	Provider     string           `json:"provider"`
	DurationMs   int64            `json:"durationMs"`
	FinishedAt   time.Time        `json:"finishedAt"`
}

// NewCompletion builds the payload from a terminal job snapshot.
func NewCompletion(job lookup.Job, finishedAt time.Time) Completion {
	c := Completion{
		JobID:       job.ID,
		PrincipalID: job.PrincipalID,
		CompanyID:   job.CompanyID,
		CompanyName: job.CompanyName,
		Status:      job.Status,
		ErrorCode:   job.ErrorKind,
		CacheHit:    job.Metadata.CacheHit,
		Provider:    string(job.Metadata.ExecutionMode),
		DurationMs:  job.Metadata.DurationMs,
		FinishedAt:  finishedAt,
	}
	if job.Result != nil {
		c.DocumentHash = job.Result.DocumentHash
	}
	return c
}

// PublisherSink publishes a Completion for every terminal event.
type PublisherSink struct {
	publisher lookup.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for topic.
func NewPublisherSink(publisher lookup.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal events; failures are joined and returned after the whole batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() || evt.Job == nil {
			continue
		}
		msgID, err := s.publisher.Publish(ctx, s.topic, NewCompletion(*evt.Job, evt.TS))
		if err != nil {
			errs = append(errs, fmt.Errorf("publish completion %s: %w", evt.JobID, err))
			continue
		}
		s.logger.Debug("completion published", zap.String("job_id", evt.JobID), zap.String("message_id", msgID))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

// ArchiveSink writes every terminal job to the retrieval archive.
type ArchiveSink struct {
	archive lookup.Archive
}

// NewArchiveSink constructs an ArchiveSink.
func NewArchiveSink(archive lookup.Archive) *ArchiveSink {
	return &ArchiveSink{archive: archive}
}

// Consume archives terminal job snapshots.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.archive == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Terminal() || evt.Job == nil {
			continue
		}
		if err := s.archive.StoreJob(ctx, *evt.Job); err != nil {
			errs = append(errs, fmt.Errorf("archive job %s: %w", evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
