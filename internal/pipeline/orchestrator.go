// Package pipeline drives scan jobs end to end: order resolution,
// batch planning, unit launch, and completion monitoring against the
// batch ledger.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/scanhive-labs/scanhive-go/internal/batch"
	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/notify"
	"github.com/scanhive-labs/scanhive-go/internal/registry"
	"github.com/scanhive-labs/scanhive-go/internal/report"
	"github.com/scanhive-labs/scanhive-go/internal/repo"
	"github.com/scanhive-labs/scanhive-go/internal/runtimeexec"
	"github.com/scanhive-labs/scanhive-go/internal/stream"
)

type Config struct {
	// PollInterval is the ledger polling cadence during waits.
	PollInterval time.Duration
	// ModuleTimeout bounds the wait for one execution stage.
	ModuleTimeout time.Duration
	// ConsumerGroup names the stream consumer group for streaming pairs.
	ConsumerGroup string
	// ImagePattern builds an image ref for profiles without a template
	// ref; %s receives the module name.
	ImagePattern string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ModuleTimeout <= 0 {
		c.ModuleTimeout = 30 * time.Minute
	}
	if strings.TrimSpace(c.ConsumerGroup) == "" {
		c.ConsumerGroup = "scanhive-consumers"
	}
	if strings.TrimSpace(c.ImagePattern) == "" {
		c.ImagePattern = "scanhive/%s:latest"
	}
	return c
}

// Orchestrator coordinates one scan job across its modules. Execute
// returns as soon as the initial batches are persisted and launched;
// progress is observed through Status and the progress events.
type Orchestrator struct {
	cfg         Config
	registry    *registry.Registry
	optimizer   *batch.Optimizer
	batches     repo.BatchRepository
	assignments repo.AssignmentRepository
	discoveries repo.DiscoveryRepository
	executor    runtimeexec.Executor
	streams     *stream.Coordinator
	notifier    *notify.Publisher
	archiver    *report.Archiver
	logger      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps collects the orchestrator's collaborators. Executor, streams,
// notifier and archiver are optional: a nil executor plans and persists
// without launching, a nil stream coordinator downgrades streaming
// pairs to sequential chains.
type Deps struct {
	Registry    *registry.Registry
	Optimizer   *batch.Optimizer
	Batches     repo.BatchRepository
	Assignments repo.AssignmentRepository
	Discoveries repo.DiscoveryRepository
	Executor    runtimeexec.Executor
	Streams     *stream.Coordinator
	Notifier    *notify.Publisher
	Archiver    *report.Archiver
	Logger      *slog.Logger
}

func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Optimizer == nil {
		return nil, fmt.Errorf("optimizer is required")
	}
	if deps.Batches == nil || deps.Assignments == nil {
		return nil, fmt.Errorf("batch and assignment repositories are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:         cfg.withDefaults(),
		registry:    deps.Registry,
		optimizer:   deps.Optimizer,
		batches:     deps.Batches,
		assignments: deps.Assignments,
		discoveries: deps.Discoveries,
		executor:    deps.Executor,
		streams:     deps.Streams,
		notifier:    deps.Notifier,
		archiver:    deps.Archiver,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
		runCtx:      runCtx,
		cancel:      cancel,
	}, nil
}

// WithClock replaces the time and sleep sources, for tests.
func (o *Orchestrator) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	if now != nil {
		o.now = now
	}
	if sleep != nil {
		o.sleep = sleep
	}
	return o
}

// Close stops background monitoring and waits for in-flight runs to
// unwind. Launched units keep running on the backend.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// scanRun is the request-scoped state shared by one job's stages.
type scanRun struct {
	scanJobID  string
	userID     string
	priority   domain.Priority
	requests   []domain.ScanRequest
	order      []string
	profiles   map[string]domain.ModuleProfile
	startedAt  time.Time
	savingsPct float64
	// deferred modules page over a same-job producer's persisted
	// discoveries, so they are planned only after that producer finishes.
	deferred map[string]bool
	// streamConsumers maps a producer module to its live consumers.
	streamConsumers map[string][]string

	mu       sync.Mutex
	byModule map[string][]domain.BatchJob
	handles  map[string]runtimeexec.Handle
}

func (st *scanRun) addBatches(module string, batches []domain.BatchJob) {
	st.mu.Lock()
	st.byModule[module] = append(st.byModule[module], batches...)
	st.mu.Unlock()
}

func (st *scanRun) setHandle(batchID string, h runtimeexec.Handle) {
	st.mu.Lock()
	st.handles[batchID] = h
	st.mu.Unlock()
}

func (st *scanRun) stageBatches(modules []string) []domain.BatchJob {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []domain.BatchJob
	for _, m := range modules {
		out = append(out, st.byModule[m]...)
	}
	return out
}

// Execute validates and plans the scan job, persists its batches, then
// launches and monitors them in the background. The returned result
// carries the ids the caller polls; final status comes from Status.
func (o *Orchestrator) Execute(ctx context.Context, userID string, requests []domain.ScanRequest, priority domain.Priority) (domain.ExecuteResult, error) {
	if len(requests) == 0 {
		return domain.ExecuteResult{}, &domain.ConfigurationError{Reason: "no scan requests"}
	}
	for _, r := range requests {
		if err := r.Validate(); err != nil {
			return domain.ExecuteResult{}, &domain.ConfigurationError{Reason: err.Error()}
		}
	}
	priority = domain.NormalizePriority(string(priority))

	requested := requestedModules(requests)
	profiles, err := o.profileMap(ctx)
	if err != nil {
		return domain.ExecuteResult{}, err
	}
	for _, name := range requested {
		if _, ok := profiles[name]; !ok {
			return domain.ExecuteResult{}, &domain.ConfigurationError{Module: name, Reason: "unknown or inactive module"}
		}
	}

	order, err := ResolveOrder(requested, profiles)
	if err != nil {
		return domain.ExecuteResult{}, err
	}

	st := &scanRun{
		scanJobID:       uuid.NewString(),
		userID:          userID,
		priority:        priority,
		requests:        requests,
		order:           order,
		profiles:        profiles,
		startedAt:       o.now().UTC(),
		deferred:        map[string]bool{},
		streamConsumers: map[string][]string{},
		byModule:        map[string][]domain.BatchJob{},
		handles:         map[string]runtimeexec.Handle{},
	}
	o.classifyModules(st)

	initial := make([]string, 0, len(order))
	for _, m := range order {
		if !st.deferred[m] {
			initial = append(initial, m)
		}
	}
	fetchCounts, err := o.initialFetchCounts(ctx, st, initial)
	if err != nil {
		return domain.ExecuteResult{}, err
	}

	plan, err := o.optimizer.Optimize(ctx, batch.OptimizeRequest{
		Requests:    requests,
		Modules:     initial,
		Priority:    priority,
		UserID:      userID,
		ScanJobID:   st.scanJobID,
		FetchCounts: fetchCounts,
	})
	if err != nil {
		return domain.ExecuteResult{}, err
	}

	st.savingsPct = plan.EstimatedSavingsPct

	if err := o.persistPlan(ctx, st, plan); err != nil {
		return domain.ExecuteResult{}, err
	}

	o.notifier.Publish(ctx, userID, notify.Event{
		Type:      notify.EventScanStarted,
		ScanJobID: st.scanJobID,
		Total:     plan.TotalDomains,
	})

	result := domain.ExecuteResult{
		ScanJobID:            st.scanJobID,
		BatchIDs:             batchIDs(plan.Batches),
		EstimatedSavingsPct:  plan.EstimatedSavingsPct,
		EstimatedDurationMin: plan.EstimatedDurationMin,
		Status:               domain.ScanStatusLaunched,
	}

	if o.executor != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.run(o.runCtx, st)
		}()
	}
	return result, nil
}

// Status folds the job's ledger rows into per-module outcomes and an
// aggregate status.
func (o *Orchestrator) Status(ctx context.Context, scanJobID string) ([]domain.ModuleOutcome, domain.ScanStatus, error) {
	batches, err := o.batches.List(ctx, repo.BatchFilter{ScanJobID: scanJobID})
	if err != nil {
		return nil, "", err
	}
	if len(batches) == 0 {
		return nil, "", fmt.Errorf("scan job %s: %w", scanJobID, repo.ErrNotFound)
	}
	return ModuleOutcomes(batches), Aggregate(batches), nil
}

func (o *Orchestrator) classifyModules(st *scanRun) {
	inOrder := make(map[string]bool, len(st.order))
	for _, m := range st.order {
		inOrder[m] = true
	}
	for _, m := range st.order {
		profile := st.profiles[m]
		if profile.Mode() != domain.ExecutionModeFetch || len(profile.Dependencies) == 0 {
			continue
		}
		if len(literalDomains(st.requests, m)) > 0 {
			continue
		}
		producer := profile.Dependencies[0]
		if !inOrder[producer] {
			continue
		}
		if profile.Streaming && o.streams != nil {
			st.streamConsumers[producer] = append(st.streamConsumers[producer], m)
		} else {
			st.deferred[m] = true
		}
	}
}

// initialFetchCounts sizes fetch windows plannable before launch: live
// consumers against their producer's input size, orphan fetch modules
// against whatever the persistence layer already holds.
func (o *Orchestrator) initialFetchCounts(ctx context.Context, st *scanRun, initial []string) (map[string]int, error) {
	counts := map[string]int{}
	for _, m := range initial {
		profile := st.profiles[m]
		if profile.Mode() != domain.ExecutionModeFetch || len(literalDomains(st.requests, m)) > 0 {
			continue
		}
		if len(profile.Dependencies) == 0 {
			continue
		}
		producer := profile.Dependencies[0]
		if isStreamConsumer(st, producer, m) {
			counts[m] = len(literalDomains(st.requests, producer))
			continue
		}
		count, err := o.countDiscoveries(ctx, st.scanJobID, producer)
		if err != nil {
			return nil, err
		}
		counts[m] = count
	}
	return counts, nil
}

func (o *Orchestrator) countDiscoveries(ctx context.Context, scanJobID, producer string) (int, error) {
	if o.discoveries == nil {
		return 0, nil
	}
	count, err := o.discoveries.CountDiscoveries(ctx, scanJobID, producer)
	if err != nil {
		return 0, fmt.Errorf("count discoveries for %s: %w", producer, err)
	}
	return count, nil
}

func (o *Orchestrator) persistPlan(ctx context.Context, st *scanRun, plan batch.Plan) error {
	for _, b := range plan.Batches {
		if err := o.batches.Create(ctx, b); err != nil {
			return fmt.Errorf("persist batch %s: %w", b.ID, err)
		}
		st.addBatches(b.Module, []domain.BatchJob{b})
	}
	if len(plan.Assignments) > 0 {
		if err := o.assignments.CreateMany(ctx, plan.Assignments); err != nil {
			return fmt.Errorf("persist assignments: %w", err)
		}
	}
	return nil
}

// run walks the execution order stage by stage. A stage is either one
// module, or a producer together with its live stream consumers.
func (o *Orchestrator) run(ctx context.Context, st *scanRun) {
	launched := make(map[string]bool, len(st.order))
	for _, module := range st.order {
		if launched[module] {
			continue
		}
		if ctx.Err() != nil {
			o.logger.Warn("scan run stopped before completion",
				slog.String("scan_job_id", st.scanJobID),
				slog.String("next_module", module))
			return
		}

		stage := []string{module}
		launched[module] = true
		for _, consumer := range st.streamConsumers[module] {
			stage = append(stage, consumer)
			launched[consumer] = true
		}

		if st.deferred[module] {
			if err := o.planDeferred(ctx, st, module); err != nil {
				o.logger.Error("deferred planning failed",
					slog.String("scan_job_id", st.scanJobID),
					slog.String("module", module),
					slog.String("error", err.Error()))
				continue
			}
		}

		o.runStage(ctx, st, stage)
	}
	o.finish(ctx, st)
}

// planDeferred sizes and persists a sequential consumer's fetch batches
// from its producer's now-persisted discovery count.
func (o *Orchestrator) planDeferred(ctx context.Context, st *scanRun, module string) error {
	profile := st.profiles[module]
	producer := profile.Dependencies[0]
	count, err := o.countDiscoveries(ctx, st.scanJobID, producer)
	if err != nil {
		return err
	}
	if count == 0 {
		o.logger.Info("no upstream discoveries, skipping module",
			slog.String("scan_job_id", st.scanJobID),
			slog.String("module", module),
			slog.String("producer", producer))
		return nil
	}

	plan, err := o.optimizer.Optimize(ctx, batch.OptimizeRequest{
		Requests:    st.requests,
		Modules:     []string{module},
		Priority:    st.priority,
		UserID:      st.userID,
		ScanJobID:   st.scanJobID,
		FetchCounts: map[string]int{module: count},
	})
	if err != nil {
		return err
	}
	return o.persistPlan(ctx, st, plan)
}

func (o *Orchestrator) runStage(ctx context.Context, st *scanRun, stage []string) {
	batches := st.stageBatches(stage)
	if len(batches) == 0 {
		return
	}

	streaming := len(stage) > 1
	if streaming {
		streamKey := stream.Key(st.scanJobID, stage[0])
		if err := o.streams.EnsureGroup(ctx, streamKey, o.cfg.ConsumerGroup); err != nil {
			o.logger.Error("consumer group setup failed",
				slog.String("scan_job_id", st.scanJobID),
				slog.String("stream", streamKey),
				slog.String("error", err.Error()))
			// Units would starve without the group; fail the stage's
			// batches instead of launching blind.
			for _, b := range batches {
				o.markFailed(ctx, st, b, "stream coordination failed")
			}
			return
		}
	}

	g, launchCtx := errgroup.WithContext(ctx)
	for _, b := range batches {
		g.Go(func() error {
			o.launchBatch(launchCtx, st, b, stage)
			return nil
		})
	}
	_ = g.Wait()

	o.waitStage(ctx, st, batches)
}

func (o *Orchestrator) launchBatch(ctx context.Context, st *scanRun, b domain.BatchJob, stage []string) {
	spec := o.unitSpec(st, b, stage)
	handle, err := o.executor.Launch(ctx, spec)
	if err != nil {
		o.logger.Error("unit launch failed",
			slog.String("scan_job_id", st.scanJobID),
			slog.String("batch_id", b.ID),
			slog.String("module", b.Module),
			slog.String("error", err.Error()))
		o.markFailed(ctx, st, b, "launch failed")
		return
	}
	st.setHandle(b.ID, handle)
	if err := o.batches.UpdateStatus(ctx, b.ID, domain.BatchStatusRunning); err != nil {
		o.logger.Warn("batch status update failed",
			slog.String("batch_id", b.ID),
			slog.String("error", err.Error()))
	}
	o.notifier.Publish(ctx, st.userID, notify.Event{
		Type:      notify.EventBatchLaunched,
		ScanJobID: st.scanJobID,
		BatchID:   b.ID,
		Module:    b.Module,
		Total:     b.TotalDomains,
	})
}

func (o *Orchestrator) unitSpec(st *scanRun, b domain.BatchJob, stage []string) runtimeexec.UnitSpec {
	profile := st.profiles[b.Module]

	role := runtimeexec.RoleStandalone
	streamKey := ""
	group := ""
	if len(st.streamConsumers[b.Module]) > 0 && contains(stage, st.streamConsumers[b.Module][0]) {
		role = runtimeexec.RoleProducer
		streamKey = stream.Key(st.scanJobID, b.Module)
	} else if producer := b.Metadata.ProducerModule; producer != "" && isStreamConsumer(st, producer, b.Module) {
		role = runtimeexec.RoleConsumer
		streamKey = stream.Key(st.scanJobID, producer)
		group = o.cfg.ConsumerGroup
	}

	imageRef := strings.TrimSpace(profile.TemplateRef)
	if imageRef == "" {
		imageRef = fmt.Sprintf(o.cfg.ImagePattern, b.Module)
	}

	env := map[string]string{}
	if len(profile.Hints.PreferredSources) > 0 {
		env["SOURCES"] = strings.Join(profile.Hints.PreferredSources, ",")
	}
	if role == runtimeexec.RoleConsumer && profile.Hints.StreamBlockMillis > 0 {
		env["STREAM_BLOCK_MS"] = fmt.Sprintf("%d", profile.Hints.StreamBlockMillis)
	}

	return runtimeexec.UnitSpec{
		Role:          role,
		Module:        b.Module,
		ScanJobID:     st.scanJobID,
		BatchID:       b.ID,
		AssetID:       b.Metadata.AssetID,
		Domains:       b.Domains,
		TotalDomains:  b.TotalDomains,
		FetchOffset:   b.Metadata.FetchOffset,
		FetchLimit:    b.Metadata.FetchLimit,
		StreamKey:     streamKey,
		ConsumerGroup: group,
		AssetScanMap:  b.Metadata.AssetScanRecords,
		CPU:           b.AllocatedCPU,
		MemoryMB:      b.AllocatedMemoryMB,
		ImageRef:      imageRef,
		Priority:      st.priority,
		Env:           env,
	}
}

func (o *Orchestrator) waitStage(ctx context.Context, st *scanRun, batches []domain.BatchJob) {
	ids := batchIDs(batches)
	var err error
	if o.executor != nil {
		handles := make(map[string]runtimeexec.Handle, len(ids))
		st.mu.Lock()
		for _, id := range ids {
			if h, ok := st.handles[id]; ok {
				handles[id] = h
			}
		}
		st.mu.Unlock()
		_, err = o.WaitForBatchesWithHealth(ctx, st.userID, st.scanJobID, ids, handles, o.cfg.PollInterval, o.cfg.ModuleTimeout)
	} else {
		_, err = o.WaitForBatches(ctx, st.userID, st.scanJobID, ids, o.cfg.PollInterval, o.cfg.ModuleTimeout)
	}
	if err != nil {
		o.logger.Warn("stage wait interrupted",
			slog.String("scan_job_id", st.scanJobID),
			slog.String("error", err.Error()))
	}
}

// WaitForBatches polls the batch ledger until every id is terminal or
// the timeout elapses. On timeout the stragglers are marked timeout in
// the ledger; the unit may still be running, which is exactly what the
// distinct status conveys. The returned map is the final snapshot.
func (o *Orchestrator) WaitForBatches(ctx context.Context, userID, scanJobID string, ids []string, interval, timeout time.Duration) (map[string]domain.BatchStatus, error) {
	return o.waitForBatches(ctx, userID, scanJobID, ids, nil, interval, timeout)
}

// WaitForBatchesWithHealth additionally describes the backend units each
// cycle: a crashed or crash-looping unit fails its batch immediately
// instead of waiting for the full timeout. Provisioning units are
// healthy and keep waiting.
func (o *Orchestrator) WaitForBatchesWithHealth(ctx context.Context, userID, scanJobID string, ids []string, handles map[string]runtimeexec.Handle, interval, timeout time.Duration) (map[string]domain.BatchStatus, error) {
	return o.waitForBatches(ctx, userID, scanJobID, ids, handles, interval, timeout)
}

func (o *Orchestrator) waitForBatches(ctx context.Context, userID, scanJobID string, ids []string, handles map[string]runtimeexec.Handle, interval, timeout time.Duration) (map[string]domain.BatchStatus, error) {
	start := o.now()
	notified := make(map[string]bool, len(ids))
	snapshot := make(map[string]domain.BatchStatus, len(ids))

	for {
		rows, err := o.batches.List(ctx, repo.BatchFilter{IDs: ids})
		if err != nil {
			return snapshot, err
		}

		pending := 0
		for _, b := range rows {
			snapshot[b.ID] = b.Status
			if b.Status.Terminal() {
				if !notified[b.ID] {
					notified[b.ID] = true
					o.notifyTerminal(ctx, userID, scanJobID, b)
				}
				continue
			}
			pending++

			if handle, ok := handles[b.ID]; ok {
				if reason, crashed := o.unitCrashed(ctx, handle); crashed {
					o.markFailed(ctx, nil, b, reason)
					snapshot[b.ID] = domain.BatchStatusFailed
					notified[b.ID] = true
					o.notifier.Publish(ctx, userID, notify.Event{
						Type:      notify.EventBatchFailed,
						ScanJobID: scanJobID,
						BatchID:   b.ID,
						Module:    b.Module,
						Message:   reason,
					})
					pending--
				}
			}
		}
		if pending == 0 {
			return snapshot, nil
		}

		if o.now().Sub(start) >= timeout {
			for id, status := range snapshot {
				if status.Terminal() {
					continue
				}
				if err := o.batches.UpdateStatus(ctx, id, domain.BatchStatusTimeout); err == nil {
					snapshot[id] = domain.BatchStatusTimeout
				}
			}
			return snapshot, nil
		}
		if err := o.sleep(ctx, interval); err != nil {
			return snapshot, err
		}
	}
}

// unitCrashed reports abnormal termination with its stop reason.
func (o *Orchestrator) unitCrashed(ctx context.Context, handle runtimeexec.Handle) (string, bool) {
	obs, err := o.executor.Describe(ctx, handle)
	if err != nil {
		o.logger.Warn("unit describe failed",
			slog.String("batch_id", handle.BatchID),
			slog.String("error", err.Error()))
		return "", false
	}
	if obs.Healthy || obs.Phase == runtimeexec.PhaseSucceeded {
		return "", false
	}
	reason := obs.StopReason
	if reason == "" {
		reason = obs.Message
	}
	if obs.ExitCode != nil {
		reason = fmt.Sprintf("%s (exit %d)", reason, *obs.ExitCode)
	}
	return strings.TrimSpace(reason), true
}

func (o *Orchestrator) markFailed(ctx context.Context, st *scanRun, b domain.BatchJob, reason string) {
	if err := o.batches.UpdateStatus(ctx, b.ID, domain.BatchStatusFailed); err != nil {
		o.logger.Warn("mark batch failed",
			slog.String("batch_id", b.ID),
			slog.String("error", err.Error()))
	}
	if st != nil {
		o.notifier.Publish(ctx, st.userID, notify.Event{
			Type:      notify.EventBatchFailed,
			ScanJobID: st.scanJobID,
			BatchID:   b.ID,
			Module:    b.Module,
			Message:   reason,
		})
	}
}

func (o *Orchestrator) notifyTerminal(ctx context.Context, userID, scanJobID string, b domain.BatchJob) {
	eventType := notify.EventBatchCompleted
	if b.Status != domain.BatchStatusCompleted {
		eventType = notify.EventBatchFailed
	}
	o.notifier.Publish(ctx, userID, notify.Event{
		Type:      eventType,
		ScanJobID: scanJobID,
		BatchID:   b.ID,
		Module:    b.Module,
		Status:    string(b.Status),
		Completed: b.CompletedDomains,
		Failed:    b.FailedDomains,
		Total:     b.TotalDomains,
	})
}

// finish aggregates the job, emits the completion event and archives
// the execution report.
func (o *Orchestrator) finish(ctx context.Context, st *scanRun) {
	rows, err := o.batches.List(ctx, repo.BatchFilter{ScanJobID: st.scanJobID})
	if err != nil {
		o.logger.Error("final ledger read failed",
			slog.String("scan_job_id", st.scanJobID),
			slog.String("error", err.Error()))
		return
	}
	status := Aggregate(rows)
	outcomes := ModuleOutcomes(rows)

	o.notifier.Publish(ctx, st.userID, notify.Event{
		Type:      notify.EventScanCompleted,
		ScanJobID: st.scanJobID,
		Status:    string(status),
	})

	total := 0
	for _, b := range rows {
		total += b.TotalDomains
	}
	if err := o.archiver.Archive(ctx, report.ExecutionReport{
		ScanJobID:           st.scanJobID,
		UserID:              st.userID,
		Status:              status,
		Modules:             outcomes,
		TotalDomains:        total,
		TotalBatches:        len(rows),
		EstimatedSavingsPct: st.savingsPct,
		StartedAt:           st.startedAt,
		CompletedAt:         o.now().UTC(),
	}); err != nil {
		o.logger.Warn("report archive failed",
			slog.String("scan_job_id", st.scanJobID),
			slog.String("error", err.Error()))
	}

	o.logger.Info("scan job finished",
		slog.String("scan_job_id", st.scanJobID),
		slog.String("status", string(status)),
		slog.Int("batches", len(rows)))
}

// Aggregate folds batch statuses into the job-level status. All
// successes aggregate to completed; a mix with any failure is
// partial_failure; timeout dominates failure because the stragglers'
// real outcome is unknown.
func Aggregate(batches []domain.BatchJob) domain.ScanStatus {
	if len(batches) == 0 {
		return domain.ScanStatusFailed
	}
	var completed, failed, timedOut, cancelled, open int
	for _, b := range batches {
		switch b.Status {
		case domain.BatchStatusCompleted:
			completed++
		case domain.BatchStatusFailed:
			failed++
		case domain.BatchStatusTimeout:
			timedOut++
		case domain.BatchStatusCancelled:
			cancelled++
		default:
			open++
		}
	}
	switch {
	case open > 0:
		return domain.ScanStatusLaunched
	case completed == len(batches):
		return domain.ScanStatusCompleted
	case timedOut > 0:
		return domain.ScanStatusTimeout
	case failed == len(batches):
		return domain.ScanStatusFailed
	case cancelled == len(batches):
		return domain.ScanStatusCancelled
	default:
		return domain.ScanStatusPartialFailure
	}
}

// ModuleOutcomes groups the ledger rows into per-module snapshots.
func ModuleOutcomes(batches []domain.BatchJob) []domain.ModuleOutcome {
	byModule := map[string]*domain.ModuleOutcome{}
	for _, b := range batches {
		out, ok := byModule[b.Module]
		if !ok {
			out = &domain.ModuleOutcome{Module: b.Module, Status: b.Status}
			byModule[b.Module] = out
		}
		out.BatchIDs = append(out.BatchIDs, b.ID)
		out.Completed += b.CompletedDomains
		out.Failed += b.FailedDomains
		out.Status = worseStatus(out.Status, b.Status)
	}
	names := make([]string, 0, len(byModule))
	for name := range byModule {
		names = append(names, name)
	}
	sort.Strings(names)
	outcomes := make([]domain.ModuleOutcome, 0, len(names))
	for _, name := range names {
		outcomes = append(outcomes, *byModule[name])
	}
	return outcomes
}

// worseStatus picks the more alarming of two batch statuses for a
// module-level summary.
func worseStatus(a, b domain.BatchStatus) domain.BatchStatus {
	rank := func(s domain.BatchStatus) int {
		switch s {
		case domain.BatchStatusFailed:
			return 5
		case domain.BatchStatusTimeout:
			return 4
		case domain.BatchStatusCancelled:
			return 3
		case domain.BatchStatusRunning, domain.BatchStatusPending:
			return 2
		case domain.BatchStatusCompleted:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func (o *Orchestrator) profileMap(ctx context.Context) (map[string]domain.ModuleProfile, error) {
	profiles, err := o.registry.Discover(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.ModuleProfile, len(profiles))
	for _, p := range profiles {
		out[p.Name] = p
	}
	return out, nil
}

func requestedModules(requests []domain.ScanRequest) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range requests {
		for _, m := range r.Modules {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func literalDomains(requests []domain.ScanRequest, module string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range requests {
		if !contains(r.Modules, module) {
			continue
		}
		for _, d := range r.Domains {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

func isStreamConsumer(st *scanRun, producer, module string) bool {
	for _, c := range st.streamConsumers[producer] {
		if c == module {
			return true
		}
	}
	return false
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func batchIDs(batches []domain.BatchJob) []string {
	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.ID)
	}
	return ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
