package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/langbot-app/LangBot/internal/config"
	"github.com/langbot-app/LangBot/internal/infra"
	"github.com/langbot-app/LangBot/internal/observability"
	"github.com/langbot-app/LangBot/pkg/message"
)

// ErrQueueFull is returned when pipeline concurrency is saturated and
// the wait queue is at its configured depth. The webhook dispatcher
// maps it to 429 so platforms can retry.
var ErrQueueFull = errors.New("pipeline queue full")

// The reply stage always runs on interrupt-with-notice so the user
// hears back.
const replyStageName = "SendResponseBackStage"

// StageContainer pairs a stage instance name with its instance.
type StageContainer struct {
	InstName string
	Stage    Stage
}

// PipelineEntity is the persisted identity and config snapshot of a
// pipeline.
type PipelineEntity struct {
	UUID   string
	Name   string
	Stages []string
	Config map[string]any
}

// RuntimePipeline is a loaded pipeline: its entity plus the ordered
// stage instances. Immutable after load; swapping a pipeline is
// remove-then-reload.
type RuntimePipeline struct {
	Entity     PipelineEntity
	Containers []StageContainer
}

// DefaultStageOrder is the standard stage list for a new pipeline.
var DefaultStageOrder = []string{
	"GroupRespondRuleCheckStage",
	"BanSessionCheckStage",
	"RequireRateLimitOccupancy",
	"PreProcessor",
	"Processor",
	"ReleaseRateLimitOccupancy",
	"LongTextProcessStage",
	"SendResponseBackStage",
}

// Manager loads pipelines and executes queries against them under the
// configured concurrency cap.
type Manager struct {
	deps *StageDeps

	mu        sync.RWMutex
	pipelines map[string]*RuntimePipeline

	sem        *infra.Semaphore
	queueDepth int
}

// NewManager creates a pipeline manager. concurrency caps parallel
// pipeline runs; queueDepth bounds how many queries may wait before
// ingress is refused.
func NewManager(deps *StageDeps, concurrency, queueDepth int) *Manager {
	if concurrency <= 0 {
		concurrency = 20
	}
	if queueDepth <= 0 {
		queueDepth = 100
	}
	return &Manager{
		deps:       deps,
		pipelines:  make(map[string]*RuntimePipeline),
		sem:        infra.NewSemaphore(int64(concurrency)),
		queueDepth: queueDepth,
	}
}

// LoadPipeline instantiates the entity's stage list and registers the
// pipeline, replacing any previous load of the same uuid atomically.
func (m *Manager) LoadPipeline(ctx context.Context, entity PipelineEntity) error {
	stages := entity.Stages
	if len(stages) == 0 {
		stages = DefaultStageOrder
	}

	containers := make([]StageContainer, 0, len(stages))
	instances := map[string]Stage{}
	for _, instName := range stages {
		factory, className, err := ResolveStage(instName)
		if err != nil {
			return err
		}
		// Instance names that resolve to the same class share one
		// instance, so the rate limiter's require/release pair shares
		// algorithm state.
		inst, ok := instances[className]
		if !ok {
			inst = factory(m.deps)
			if err := inst.Initialize(ctx, entity.Config); err != nil {
				return fmt.Errorf("initialize stage %s: %w", instName, err)
			}
			instances[className] = inst
		}
		containers = append(containers, StageContainer{InstName: instName, Stage: inst})
	}

	m.mu.Lock()
	m.pipelines[entity.UUID] = &RuntimePipeline{Entity: entity, Containers: containers}
	m.mu.Unlock()
	return nil
}

// RemovePipeline drops a loaded pipeline.
func (m *Manager) RemovePipeline(uuid string) {
	m.mu.Lock()
	delete(m.pipelines, uuid)
	m.mu.Unlock()
}

// Get returns a loaded pipeline by uuid.
func (m *Manager) Get(uuid string) (*RuntimePipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[uuid]
	return p, ok
}

// Saturated reports whether a new query would be refused rather than
// queued.
func (m *Manager) Saturated() bool {
	return m.sem.Available() == 0 && m.sem.Waiters() >= m.queueDepth
}

// Execute runs a query through its pipeline. The query must already be
// registered in the pool; it is removed on return.
func (m *Manager) Execute(ctx context.Context, q *Query) error {
	defer m.deps.Pool.Remove(q.QueryID)

	p, ok := m.Get(q.PipelineUUID)
	if !ok {
		return fmt.Errorf("pipeline not loaded: %s", q.PipelineUUID)
	}

	if m.Saturated() {
		return ErrQueueFull
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)

	if m.deps.Metrics != nil {
		m.deps.Metrics.ActivePipelines.Inc()
		defer m.deps.Metrics.ActivePipelines.Dec()
	}

	ctx = observability.WithQueryID(ctx, q.QueryID)
	ctx = observability.WithPipeline(ctx, q.PipelineUUID)

	return m.runStages(ctx, p, q)
}

func (m *Manager) runStages(ctx context.Context, p *RuntimePipeline, q *Query) error {
	replyOnly := false

	for i, container := range p.Containers {
		if m.deps.Pool.Interrupted(q.QueryID) {
			m.logf(ctx, "query interrupted", q)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if replyOnly && container.InstName != replyStageName {
			continue
		}

		result := m.safeProcess(ctx, container, q)

		if m.deps.Metrics != nil {
			label := result.ResultType.String()
			if result.Err != nil {
				label = "error"
			}
			m.deps.Metrics.StageResultCounter.WithLabelValues(container.InstName, label).Inc()
		}

		if result.Err != nil {
			return m.handleStageError(ctx, p, q, container.InstName, result.Err)
		}

		switch result.ResultType {
		case Continue:
			if result.NewQuery != nil {
				q = result.NewQuery
			}
		case Interrupt:
			if result.UserNotice == "" {
				return nil
			}
			q.RespMessageChains = []message.MessageChain{
				message.NewChain(message.Plain{Text: result.UserNotice}),
			}
			replyOnly = true
			continue
		}

		// Lifecycle event between stages; a plugin that prevents the
		// default skips everything but the reply stage.
		if m.deps.Emitter != nil && i < len(p.Containers)-1 {
			ev, err := m.deps.Emitter.EmitEvent(ctx, "pipeline.stage_completed", map[string]any{
				"query_id": q.QueryID,
				"stage":    container.InstName,
				"pipeline": p.Entity.UUID,
			})
			if err != nil {
				m.logf(ctx, "lifecycle event failed", q, "error", err)
			} else if ev != nil && ev.PreventDefault {
				replyOnly = true
			}
		}
	}
	return nil
}

// safeProcess converts a stage panic into a stage error so one broken
// stage cannot take down the scheduler.
func (m *Manager) safeProcess(ctx context.Context, container StageContainer, q *Query) (result StageProcessResult) {
	defer func() {
		if r := recover(); r != nil {
			result = StageProcessResult{ResultType: Interrupt, Err: fmt.Errorf("stage %s panicked: %v", container.InstName, r)}
		}
	}()
	return container.Stage.Process(ctx, q, container.InstName)
}

func (m *Manager) handleStageError(ctx context.Context, p *RuntimePipeline, q *Query, instName string, stageErr error) error {
	m.logf(ctx, "stage error", q, "stage", instName, "error", stageErr)

	if config.GetBool(q.PipelineConfig, "output.misc.hide-exception", false) {
		return stageErr
	}

	// Surface a short localized description through the reply stage.
	q.RespMessageChains = []message.MessageChain{
		message.NewChain(message.Plain{Text: fmt.Sprintf("处理失败：%v", stageErr)}),
	}
	for _, container := range p.Containers {
		if container.InstName == replyStageName {
			_ = m.safeProcess(ctx, container, q)
			break
		}
	}
	return stageErr
}

func (m *Manager) logf(ctx context.Context, msg string, q *Query, args ...any) {
	if m.deps.Logger == nil {
		return
	}
	args = append(args, "query_id", q.QueryID)
	m.deps.Logger.Info(ctx, msg, args...)
}
