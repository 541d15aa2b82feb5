// Package task executes one collection task: credential exchange followed by
// history collection, with expected credential failures turned into signals.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/exchange"
	"github.com/ashureev/gacha-agent/internal/metrics"
	"github.com/google/uuid"
)

// Outcomes reported in logs and metrics.
const (
	OutcomeSuccess = "success"
	OutcomeExpired = "expired"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// Observer receives the side signals of a task while it runs.
type Observer interface {
	exchange.UserObserver
	// CredentialExpired is sent when the credential is stale.
	CredentialExpired(ctx context.Context, cred domain.Credential)
	// CredentialInvalid is sent when the credential is rejected for reason.
	CredentialInvalid(ctx context.Context, cred domain.Credential, reason string)
}

// Exchanger runs the token exchange chain. Implemented by *exchange.Chain.
type Exchanger interface {
	Run(ctx context.Context, cred domain.Credential, observer exchange.UserObserver) (domain.Session, error)
}

// Collector reads the history of a session. Implemented by *collector.Collector.
type Collector interface {
	ListPools(ctx context.Context, sess domain.Session) ([]domain.Pool, error)
	Collect(ctx context.Context, sess domain.Session, pools []domain.Pool) ([]domain.HistoryRecord, error)
}

// Orchestrator composes the exchange chain and the collector.
type Orchestrator struct {
	exchanger Exchanger
	collector Collector
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(exchanger Exchanger, collector Collector, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		exchanger: exchanger,
		collector: collector,
		metrics:   m,
		logger:    logger,
	}
}

// Execute runs t. Expired and invalid credentials are reported to observer
// and yield an empty result with a nil error. Every other failure is returned.
func (o *Orchestrator) Execute(ctx context.Context, t domain.Task, observer Observer) (domain.TaskResult, error) {
	if observer == nil {
		observer = nopObserver{}
	}
	started := time.Now()
	logger := o.logger.With("task_id", uuid.NewString(), "credential", t.Credential.Masked())
	logger.Info("Task started", "uid_hint", t.UserIDHint)

	result, outcome, err := o.execute(ctx, t, observer, logger)
	o.metrics.ObserveTask(outcome, started)

	if err != nil {
		logger.Error("Task failed", "error", err, "kind", domain.KindOf(err).String(), "duration", time.Since(started))
		return domain.TaskResult{}, err
	}
	logger.Info("Task finished",
		"outcome", outcome,
		"uid", result.UserID,
		"records", len(result.Records),
		"duration", time.Since(started),
	)
	return result, nil
}

func (o *Orchestrator) execute(ctx context.Context, t domain.Task, observer Observer, logger *slog.Logger) (domain.TaskResult, string, error) {
	sess, err := o.exchanger.Run(ctx, t.Credential, observer)
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindCredentialExpired:
			logger.Info("Credential expired")
			observer.CredentialExpired(ctx, t.Credential)
			return domain.EmptyResult(t, sess.UserID(), true), OutcomeExpired, nil
		case domain.KindCredentialInvalid:
			reason := domain.ReasonOf(err)
			logger.Info("Credential invalid", "reason", reason)
			observer.CredentialInvalid(ctx, t.Credential, reason)
			return domain.EmptyResult(t, sess.UserID(), false), OutcomeInvalid, nil
		case domain.KindNoBoundAccount, domain.KindSessionEstablishFailed, domain.KindUpstream:
			return domain.TaskResult{}, OutcomeFailed, err
		default:
			return domain.TaskResult{}, OutcomeFailed, fmt.Errorf("unclassified exchange failure: %w", err)
		}
	}

	pools, err := o.collector.ListPools(ctx, sess)
	if err != nil {
		return domain.TaskResult{}, OutcomeFailed, err
	}
	records, err := o.collector.Collect(ctx, sess, pools)
	if err != nil {
		return domain.TaskResult{}, OutcomeFailed, err
	}

	return domain.TaskResult{
		UserID:     sess.UserID(),
		Credential: t.Credential,
		Records:    records,
	}, OutcomeSuccess, nil
}

type nopObserver struct{}

func (nopObserver) UserResolved(context.Context, domain.Account)                 {}
func (nopObserver) CredentialExpired(context.Context, domain.Credential)         {}
func (nopObserver) CredentialInvalid(context.Context, domain.Credential, string) {}
