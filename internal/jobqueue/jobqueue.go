/*
Package jobqueue runs the conversation pipeline on River queues backed by
Postgres.

For configuration options, retry policies, and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/pipeline"
)

var ErrNoHandler = errors.New("jobqueue: no handler registered")

// ProcessConversationArgs is the River payload for a ProcessingJob. The
// embedded job keeps the wire format flat.
type ProcessConversationArgs struct {
	conversation.ProcessingJob
}

func (ProcessConversationArgs) Kind() string { return "process_conversation" }

// InactivityFollowUpArgs is the River payload for an InactivityJob.
type InactivityFollowUpArgs struct {
	conversation.InactivityJob
}

func (InactivityFollowUpArgs) Kind() string { return "inactivity_followup" }

type ProcessingHandler interface {
	Handle(ctx context.Context, job conversation.ProcessingJob) (pipeline.Outcome, error)
}

type FollowUpHandler interface {
	Handle(ctx context.Context, job conversation.InactivityJob) (pipeline.Outcome, error)
}

// ProcessConversationWorker hands processing jobs to the batch coordinator.
type ProcessConversationWorker struct {
	river.WorkerDefaults[ProcessConversationArgs]
	handler ProcessingHandler
	config  *QueueConfig
	log     zerolog.Logger
}

func (w *ProcessConversationWorker) Work(ctx context.Context, job *river.Job[ProcessConversationArgs]) error {
	if w.handler == nil {
		return ErrNoHandler
	}
	out, err := w.handler.Handle(ctx, job.Args.ProcessingJob)
	if err != nil {
		w.log.Warn().Err(err).
			Int64("job_id", job.ID).
			Int("attempt", job.Attempt).
			Str("conversation_id", job.Args.ConversationID).
			Msg("Processing job failed")
		return err
	}
	w.log.Debug().
		Int64("job_id", job.ID).
		Str("conversation_id", job.Args.ConversationID).
		Str("outcome", out.String()).
		Msg("Processing job finished")
	return nil
}

func (w *ProcessConversationWorker) Timeout(*river.Job[ProcessConversationArgs]) time.Duration {
	return w.config.ProcessingTimeout
}

func (w *ProcessConversationWorker) NextRetry(job *river.Job[ProcessConversationArgs]) time.Time {
	return nextRetry(w.config.RetryPolicy, job.Attempt)
}

// InactivityFollowUpWorker hands inactivity checks to the follow-up scheduler.
type InactivityFollowUpWorker struct {
	river.WorkerDefaults[InactivityFollowUpArgs]
	handler FollowUpHandler
	config  *QueueConfig
	log     zerolog.Logger
}

func (w *InactivityFollowUpWorker) Work(ctx context.Context, job *river.Job[InactivityFollowUpArgs]) error {
	if w.handler == nil {
		return ErrNoHandler
	}
	out, err := w.handler.Handle(ctx, job.Args.InactivityJob)
	if err != nil {
		w.log.Warn().Err(err).
			Int64("job_id", job.ID).
			Int("attempt", job.Attempt).
			Str("conversation_id", job.Args.ConversationID).
			Msg("Follow-up job failed")
		return err
	}
	w.log.Debug().
		Int64("job_id", job.ID).
		Str("conversation_id", job.Args.ConversationID).
		Str("outcome", out.String()).
		Msg("Follow-up job finished")
	return nil
}

func (w *InactivityFollowUpWorker) Timeout(*river.Job[InactivityFollowUpArgs]) time.Duration {
	return w.config.FollowUpTimeout
}

func (w *InactivityFollowUpWorker) NextRetry(job *river.Job[InactivityFollowUpArgs]) time.Time {
	return nextRetry(w.config.RetryPolicy, job.Attempt)
}

func nextRetry(p RetryPolicy, attempt int) time.Time {
	d := p.Backoff(attempt)
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// JobQueue manages the River job queue
type JobQueue struct {
	client     *river.Client[pgx.Tx]
	pool       *pgxpool.Pool
	config     *QueueConfig
	log        zerolog.Logger
	processing *ProcessConversationWorker
	followUps  *InactivityFollowUpWorker
}

// NewJobQueue creates the River client. Handlers are attached afterwards with
// SetHandlers because the pipeline itself schedules through the queue.
func NewJobQueue(pool *pgxpool.Pool, config *QueueConfig, logger zerolog.Logger) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}
	logger = logger.With().Str("component", "jobqueue").Logger()

	processing := &ProcessConversationWorker{config: config, log: logger}
	followUps := &InactivityFollowUpWorker{config: config, log: logger}

	workers := river.NewWorkers()
	river.AddWorker(workers, processing)
	river.AddWorker(workers, followUps)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client:     client,
		pool:       pool,
		config:     config,
		log:        logger,
		processing: processing,
		followUps:  followUps,
	}, nil
}

// SetHandlers must be called before Start.
func (jq *JobQueue) SetHandlers(processing ProcessingHandler, followUps FollowUpHandler) {
	jq.processing.handler = processing
	jq.followUps.handler = followUps
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueProcessing queues the batch check for one inbound message.
func (jq *JobQueue) EnqueueProcessing(ctx context.Context, job conversation.ProcessingJob) error {
	_, err := jq.client.Insert(ctx, ProcessConversationArgs{ProcessingJob: job}, &river.InsertOpts{
		Queue:       QueueProcessing,
		MaxAttempts: jq.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to queue processing job: %w", err)
	}
	return nil
}

// ScheduleInactivity replaces any pending inactivity check for the
// conversation with one due after delay. Replacement runs in one transaction
// under a per-conversation advisory lock, so concurrent schedulers leave
// exactly one pending job behind.
func (jq *JobQueue) ScheduleInactivity(ctx context.Context, job conversation.InactivityJob, delay time.Duration) error {
	tx, err := jq.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin inactivity tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "inactivity:"+job.ConversationID); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM river_job
		WHERE kind = $1
		  AND state IN ('available', 'pending', 'scheduled', 'retryable')
		  AND args->>'conversationId' = $2`,
		InactivityFollowUpArgs{}.Kind(), job.ConversationID)
	if err != nil {
		return fmt.Errorf("drop pending inactivity jobs: %w", err)
	}

	_, err = jq.client.InsertTx(ctx, tx, InactivityFollowUpArgs{InactivityJob: job}, &river.InsertOpts{
		Queue:       QueueInactivity,
		MaxAttempts: jq.config.MaxAttempts,
		ScheduledAt: time.Now().Add(delay),
	})
	if err != nil {
		return fmt.Errorf("insert inactivity job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit inactivity tx: %w", err)
	}

	jq.log.Debug().
		Str("conversation_id", job.ConversationID).
		Int64("replaced", tag.RowsAffected()).
		Dur("delay", delay).
		Msg("Inactivity check scheduled")
	return nil
}

// Migrate applies River's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	for _, v := range res.Versions {
		logger.Info().Int("version", v.Version).Msg("Applied River migration")
	}
	return nil
}
