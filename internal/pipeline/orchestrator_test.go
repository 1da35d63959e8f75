package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"

	"github.com/scanhive-labs/scanhive-go/internal/batch"
	"github.com/scanhive-labs/scanhive-go/internal/domain"
	"github.com/scanhive-labs/scanhive-go/internal/notify"
	"github.com/scanhive-labs/scanhive-go/internal/registry"
	"github.com/scanhive-labs/scanhive-go/internal/repo"
	"github.com/scanhive-labs/scanhive-go/internal/report"
	"github.com/scanhive-labs/scanhive-go/internal/resource"
	"github.com/scanhive-labs/scanhive-go/internal/runtimeexec"
	"github.com/scanhive-labs/scanhive-go/internal/stream"
)

type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]domain.BatchJob
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]domain.BatchJob{}}
}

func (f *fakeLedger) Create(ctx context.Context, b domain.BatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[b.ID] = b
	return nil
}

func (f *fakeLedger) Get(ctx context.Context, id string) (domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return domain.BatchJob{}, repo.ErrNotFound
	}
	return b, nil
}

func (f *fakeLedger) List(ctx context.Context, filter repo.BatchFilter) ([]domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BatchJob
	for _, b := range f.rows {
		if len(filter.IDs) > 0 {
			found := false
			for _, id := range filter.IDs {
				if id == b.ID {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if filter.ScanJobID != "" && b.Metadata.ScanJobID != filter.ScanJobID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeLedger) UpdateStatus(ctx context.Context, id string, status domain.BatchStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	if b.Status.Terminal() {
		return repo.ErrTerminalStatus
	}
	b.Status = status
	f.rows[id] = b
	return nil
}

func (f *fakeLedger) UpdateCounters(ctx context.Context, id string, completed, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	b.CompletedDomains = completed
	b.FailedDomains = failed
	f.rows[id] = b
	return nil
}

func (f *fakeLedger) ListUnfinished(ctx context.Context, limit int) ([]domain.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BatchJob
	for _, b := range f.rows {
		if !b.Status.Terminal() {
			out = append(out, b)
		}
	}
	return out, nil
}

// completeRunning simulates workers finishing their batches.
func (f *fakeLedger) completeRunning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, b := range f.rows {
		if b.Status == domain.BatchStatusRunning {
			b.Status = domain.BatchStatusCompleted
			b.CompletedDomains = b.TotalDomains
			f.rows[id] = b
		}
	}
}

type fakeAssignments struct {
	mu      sync.Mutex
	created []domain.DomainAssignment
}

func (f *fakeAssignments) CreateMany(ctx context.Context, assignments []domain.DomainAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, assignments...)
	return nil
}

func (f *fakeAssignments) UpdateStatus(ctx context.Context, batchID, dom string, status domain.BatchStatus, resultCount int) error {
	return nil
}

func (f *fakeAssignments) ListByBatch(ctx context.Context, batchID string) ([]domain.DomainAssignment, error) {
	return nil, nil
}

type fakeDiscoveries struct {
	counts map[string]int
}

func (f *fakeDiscoveries) CountDiscoveries(ctx context.Context, scanJobID, producerModule string) (int, error) {
	return f.counts[producerModule], nil
}

type fakeExecutor struct {
	mu        sync.Mutex
	launched  []runtimeexec.UnitSpec
	obs       map[string]runtimeexec.Observation
	launchErr error
}

func (f *fakeExecutor) Kind() string { return "fake" }

func (f *fakeExecutor) Launch(ctx context.Context, spec runtimeexec.UnitSpec) (runtimeexec.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return runtimeexec.Handle{}, f.launchErr
	}
	f.launched = append(f.launched, spec)
	return runtimeexec.Handle{BatchID: spec.BatchID, Executor: "fake"}, nil
}

func (f *fakeExecutor) Describe(ctx context.Context, handle runtimeexec.Handle) (runtimeexec.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obs, ok := f.obs[handle.BatchID]; ok {
		return obs, nil
	}
	return runtimeexec.Observation{Phase: runtimeexec.PhaseRunning, Healthy: true}, nil
}

func (f *fakeExecutor) specs() []runtimeexec.UnitSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtimeexec.UnitSpec, len(f.launched))
	copy(out, f.launched)
	return out
}

type fakeNotifyClient struct {
	mu     sync.Mutex
	events []notify.Event
	done   chan notify.Event
}

func newFakeNotifyClient() *fakeNotifyClient {
	return &fakeNotifyClient{done: make(chan notify.Event, 16)}
}

func (f *fakeNotifyClient) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	var event notify.Event
	if payload, ok := message.([]byte); ok {
		_ = json.Unmarshal(payload, &event)
	}
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	if event.Type == notify.EventScanCompleted {
		f.done <- event
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeNotifyClient) byType(t notify.EventType) []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notify.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeStreamClient struct {
	mu     sync.Mutex
	groups []string
}

func (f *fakeStreamClient) XGroupCreateMkStream(ctx context.Context, s, group, start string) *redis.StatusCmd {
	f.mu.Lock()
	f.groups = append(f.groups, s+"/"+group)
	f.mu.Unlock()
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStreamClient) XRevRangeN(ctx context.Context, s, start, stop string, count int64) *redis.XMessageSliceCmd {
	return redis.NewXMessageSliceCmdResult(nil, nil)
}

func (f *fakeStreamClient) XPending(ctx context.Context, s, group string) *redis.XPendingCmd {
	return redis.NewXPendingResult(&redis.XPending{}, nil)
}

func (f *fakeStreamClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return redis.NewStringResult("1-1", nil)
}

func (f *fakeStreamClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return redis.NewIntResult(1, nil)
}

type fakeReportStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeReportStore) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	payload, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+object] = payload
	f.mu.Unlock()
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func (f *fakeReportStore) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.objects[key]
	return payload, ok
}

type harness struct {
	orch     *Orchestrator
	ledger   *fakeLedger
	assigns  *fakeAssignments
	exec     *fakeExecutor
	notifier *fakeNotifyClient
	streams  *fakeStreamClient
	reports  *fakeReportStore
}

type profileSource []domain.ModuleProfile

func (s profileSource) Load(ctx context.Context) ([]domain.ModuleProfile, error) {
	return s, nil
}

func newHarness(t *testing.T, profiles []domain.ModuleProfile, withExecutor bool, discoveryCounts map[string]int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.New(profileSource(profiles), registry.Config{CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("registry.New() err=%v", err)
	}
	opt, err := batch.NewOptimizer(reg, resource.NewCalculator(resource.DefaultConfig()))
	if err != nil {
		t.Fatalf("NewOptimizer() err=%v", err)
	}

	h := &harness{
		ledger:   newFakeLedger(),
		assigns:  &fakeAssignments{},
		notifier: newFakeNotifyClient(),
		streams:  &fakeStreamClient{},
		reports:  &fakeReportStore{},
	}

	deps := Deps{
		Registry:    reg,
		Optimizer:   opt,
		Batches:     h.ledger,
		Assignments: h.assigns,
		Discoveries: &fakeDiscoveries{counts: discoveryCounts},
		Notifier:    notify.NewPublisher(h.notifier, logger),
		Archiver:    report.NewArchiver(h.reports, "scan-reports", logger),
		Logger:      logger,
	}
	if withExecutor {
		h.exec = &fakeExecutor{obs: map[string]runtimeexec.Observation{}}
		deps.Executor = h.exec
		coord, err := stream.NewCoordinator(h.streams, logger)
		if err != nil {
			t.Fatalf("NewCoordinator() err=%v", err)
		}
		deps.Streams = coord
	}

	orch, err := NewOrchestrator(deps, Config{PollInterval: time.Millisecond, ModuleTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewOrchestrator() err=%v", err)
	}
	// Each wait cycle "the workers" finish whatever is running, so runs
	// converge without real delays.
	orch.WithClock(nil, func(ctx context.Context, d time.Duration) error {
		h.ledger.completeRunning()
		return nil
	})
	h.orch = orch
	return h
}

func (h *harness) waitScanCompleted(t *testing.T) notify.Event {
	t.Helper()
	select {
	case event := <-h.notifier.done:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("scan did not finish")
		return notify.Event{}
	}
}

func chainProfiles(streaming bool) []domain.ModuleProfile {
	scaling := []domain.ScalingRange{{MinDomains: 1, CPU: 512, MemoryMB: 1024, DurationMinutes: 10}}
	return []domain.ModuleProfile{
		{Name: "subfinder", Active: true, SupportsBatching: true, MaxBatchSize: 200, ScalingTable: scaling},
		{Name: "dnsx", Active: true, SupportsBatching: true, MaxBatchSize: 200, Dependencies: []string{"subfinder"}, Streaming: streaming, ScalingTable: scaling},
	}
}

func TestExecutePlansWithoutExecutor(t *testing.T) {
	h := newHarness(t, chainProfiles(false), false, nil)
	defer h.orch.Close()

	domains := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		domains = append(domains, domainName(i))
	}

	result, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{{AssetID: "asset-1", Domains: domains, Modules: []string{"subfinder"}}},
		domain.PriorityNormal)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	if result.Status != domain.ScanStatusLaunched {
		t.Fatalf("status=%q, want launched", result.Status)
	}
	if len(result.BatchIDs) != 3 {
		t.Fatalf("batch ids=%d, want 3", len(result.BatchIDs))
	}
	if result.EstimatedSavingsPct > 80 {
		t.Fatalf("savings above cap: %v", result.EstimatedSavingsPct)
	}

	rows, err := h.ledger.List(context.Background(), repo.BatchFilter{ScanJobID: result.ScanJobID})
	if err != nil || len(rows) != 3 {
		t.Fatalf("ledger rows=%d err=%v, want 3 persisted batches", len(rows), err)
	}
	for _, b := range rows {
		if b.Status != domain.BatchStatusPending {
			t.Fatalf("batch persisted with status %q, want pending before launch", b.Status)
		}
	}
}

func TestExecuteRejectsUnknownModule(t *testing.T) {
	h := newHarness(t, chainProfiles(false), false, nil)
	defer h.orch.Close()

	_, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{{AssetID: "asset-1", Domains: []string{"a.example.com"}, Modules: []string{"nuclei"}}},
		domain.PriorityNormal)
	var confErr *domain.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestExecuteRejectsEmptyWorkload(t *testing.T) {
	h := newHarness(t, chainProfiles(false), false, nil)
	defer h.orch.Close()

	_, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{{AssetID: "asset-1", Modules: []string{"subfinder"}}},
		domain.PriorityNormal)
	if !errors.Is(err, batch.ErrEmptyWorkload) {
		t.Fatalf("expected ErrEmptyWorkload, got %v", err)
	}
}

func TestSequentialChainDefersFetchConsumer(t *testing.T) {
	h := newHarness(t, chainProfiles(false), true, map[string]int{"subfinder": 10})
	defer h.orch.Close()

	result, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{
			{AssetID: "asset-1", Domains: []string{"a.example.com", "b.example.com"}, Modules: []string{"subfinder"}},
			{AssetID: "asset-1", Modules: []string{"dnsx"}},
		},
		domain.PriorityNormal)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	// Only the producer is plannable up front.
	if len(result.BatchIDs) != 1 {
		t.Fatalf("initial batch ids=%d, want 1 (producer only)", len(result.BatchIDs))
	}

	event := h.waitScanCompleted(t)
	if event.Status != string(domain.ScanStatusCompleted) {
		t.Fatalf("final status=%q, want completed", event.Status)
	}

	rows, _ := h.ledger.List(context.Background(), repo.BatchFilter{ScanJobID: result.ScanJobID})
	if len(rows) != 2 {
		t.Fatalf("ledger rows=%d, want producer plus deferred consumer", len(rows))
	}
	var dnsxBatch *domain.BatchJob
	for i := range rows {
		if rows[i].Module == "dnsx" {
			dnsxBatch = &rows[i]
		}
	}
	if dnsxBatch == nil {
		t.Fatalf("deferred dnsx batch never planned")
	}
	if !dnsxBatch.FetchMode() || dnsxBatch.Metadata.FetchLimit != 10 {
		t.Fatalf("dnsx batch should page 10 discoveries, got %+v", dnsxBatch.Metadata)
	}
	if dnsxBatch.Metadata.ProducerModule != "subfinder" {
		t.Fatalf("producer attribution missing: %+v", dnsxBatch.Metadata)
	}

	// The consumer launched only after the producer reached terminal state.
	specs := h.exec.specs()
	if len(specs) != 2 || specs[0].Module != "subfinder" || specs[1].Module != "dnsx" {
		t.Fatalf("launch order=%v, want subfinder then dnsx", moduleNames(specs))
	}
	if specs[1].FetchLimit != 10 {
		t.Fatalf("consumer fetch window=%d, want 10", specs[1].FetchLimit)
	}
}

func TestStreamingPairLaunchesConcurrently(t *testing.T) {
	h := newHarness(t, chainProfiles(true), true, nil)
	defer h.orch.Close()

	result, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{
			{AssetID: "asset-1", Domains: []string{"a.example.com", "b.example.com", "c.example.com"}, Modules: []string{"subfinder"}},
			{AssetID: "asset-1", Modules: []string{"dnsx"}},
		},
		domain.PriorityNormal)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	// Both sides of the pair are planned up front.
	if len(result.BatchIDs) != 2 {
		t.Fatalf("batch ids=%d, want producer and consumer", len(result.BatchIDs))
	}

	event := h.waitScanCompleted(t)
	if event.Status != string(domain.ScanStatusCompleted) {
		t.Fatalf("final status=%q, want completed", event.Status)
	}

	h.streams.mu.Lock()
	groups := len(h.streams.groups)
	h.streams.mu.Unlock()
	if groups != 1 {
		t.Fatalf("consumer group created %d times, want 1", groups)
	}

	var producer, consumer *runtimeexec.UnitSpec
	for _, spec := range h.exec.specs() {
		s := spec
		switch s.Role {
		case runtimeexec.RoleProducer:
			producer = &s
		case runtimeexec.RoleConsumer:
			consumer = &s
		}
	}
	if producer == nil || consumer == nil {
		t.Fatalf("streaming pair roles missing: %v", moduleNames(h.exec.specs()))
	}
	wantKey := stream.Key(result.ScanJobID, "subfinder")
	if producer.StreamKey != wantKey || consumer.StreamKey != wantKey {
		t.Fatalf("pair must share stream identifiers: %q vs %q", producer.StreamKey, consumer.StreamKey)
	}
	if consumer.ConsumerGroup == "" {
		t.Fatalf("consumer missing group")
	}
}

func TestLaunchFailureMarksBatchAndSparesSiblings(t *testing.T) {
	profiles := chainProfiles(false)
	h := newHarness(t, profiles, true, nil)
	defer h.orch.Close()

	// Fail every launch; siblings each get their own failure, and the
	// job aggregates to failed rather than aborting the request.
	h.exec.launchErr = errors.New("no capacity")

	result, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{{AssetID: "asset-1", Domains: []string{"a.example.com"}, Modules: []string{"subfinder"}}},
		domain.PriorityNormal)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}

	event := h.waitScanCompleted(t)
	if event.Status != string(domain.ScanStatusFailed) {
		t.Fatalf("final status=%q, want failed", event.Status)
	}
	rows, _ := h.ledger.List(context.Background(), repo.BatchFilter{ScanJobID: result.ScanJobID})
	for _, b := range rows {
		if b.Status != domain.BatchStatusFailed {
			t.Fatalf("batch %s status=%q, want failed", b.ID, b.Status)
		}
	}
}

func TestWaitForBatchesMarksTimeout(t *testing.T) {
	h := newHarness(t, chainProfiles(false), false, nil)
	defer h.orch.Close()

	b := domain.BatchJob{
		ID: "batch-1", Module: "subfinder", Status: domain.BatchStatusRunning,
		TotalDomains: 1, Domains: []string{"a.example.com"},
		BatchType: domain.BatchTypeSingleAsset,
		Metadata:  domain.BatchMetadata{ScanJobID: "job-1"},
	}
	if err := h.ledger.Create(context.Background(), b); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	current := time.Unix(1700000000, 0)
	h.orch.WithClock(
		func() time.Time { return current },
		func(ctx context.Context, d time.Duration) error {
			current = current.Add(d)
			return nil
		},
	)

	snapshot, err := h.orch.WaitForBatches(context.Background(), "user-1", "job-1",
		[]string{"batch-1"}, 10*time.Second, 30*time.Second)
	if err != nil {
		t.Fatalf("WaitForBatches() err=%v", err)
	}
	if snapshot["batch-1"] != domain.BatchStatusTimeout {
		t.Fatalf("snapshot status=%q, want timeout", snapshot["batch-1"])
	}
	got, _ := h.ledger.Get(context.Background(), "batch-1")
	if got.Status != domain.BatchStatusTimeout {
		t.Fatalf("ledger status=%q, want timeout (distinct from failed)", got.Status)
	}
}

func TestWaitWithHealthFailsCrashedUnit(t *testing.T) {
	h := newHarness(t, chainProfiles(false), true, nil)
	defer h.orch.Close()

	b := domain.BatchJob{
		ID: "batch-1", Module: "subfinder", Status: domain.BatchStatusRunning,
		TotalDomains: 1, Domains: []string{"a.example.com"},
		BatchType: domain.BatchTypeSingleAsset,
		Metadata:  domain.BatchMetadata{ScanJobID: "job-1"},
	}
	if err := h.ledger.Create(context.Background(), b); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	code := 137
	h.exec.obs["batch-1"] = runtimeexec.Observation{
		Phase: runtimeexec.PhaseFailed, Healthy: false,
		ExitCode: &code, StopReason: "OOMKilled",
	}

	snapshot, err := h.orch.WaitForBatchesWithHealth(context.Background(), "user-1", "job-1",
		[]string{"batch-1"},
		map[string]runtimeexec.Handle{"batch-1": {BatchID: "batch-1", Executor: "fake"}},
		time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("WaitForBatchesWithHealth() err=%v", err)
	}
	if snapshot["batch-1"] != domain.BatchStatusFailed {
		t.Fatalf("snapshot status=%q, want failed", snapshot["batch-1"])
	}

	failures := h.notifier.byType(notify.EventBatchFailed)
	if len(failures) != 1 {
		t.Fatalf("failure events=%d, want 1", len(failures))
	}
	if failures[0].Message == "" {
		t.Fatalf("failure event should carry the stop reason")
	}
}

func TestExecuteNormalizesUnknownPriority(t *testing.T) {
	h := newHarness(t, chainProfiles(false), true, nil)
	defer h.orch.Close()

	_, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{{AssetID: "asset-1", Domains: []string{"a.example.com"}, Modules: []string{"subfinder"}}},
		domain.Priority("urgent"))
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	h.waitScanCompleted(t)

	specs := h.exec.specs()
	if len(specs) != 1 {
		t.Fatalf("launched units=%d, want 1", len(specs))
	}
	if specs[0].Priority != domain.PriorityNormal {
		t.Fatalf("unit priority=%q, want unknown values coerced to normal", specs[0].Priority)
	}
}

func TestFinishedScanArchivesReport(t *testing.T) {
	h := newHarness(t, chainProfiles(false), true, nil)
	defer h.orch.Close()

	domains := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		domains = append(domains, domainName(i))
	}
	result, err := h.orch.Execute(context.Background(), "user-1",
		[]domain.ScanRequest{{AssetID: "asset-1", Domains: domains, Modules: []string{"subfinder"}}},
		domain.PriorityNormal)
	if err != nil {
		t.Fatalf("Execute() err=%v", err)
	}
	h.waitScanCompleted(t)

	payload, ok := h.reports.object("scan-reports/" + report.ObjectKey(result.ScanJobID))
	if !ok {
		t.Fatalf("no report archived for %s", result.ScanJobID)
	}
	var rep report.ExecutionReport
	if err := json.Unmarshal(payload, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Status != domain.ScanStatusCompleted {
		t.Fatalf("report status=%q, want completed", rep.Status)
	}
	if rep.TotalBatches != len(result.BatchIDs) || rep.TotalDomains != 300 {
		t.Fatalf("report counts batches=%d domains=%d, want %d/300", rep.TotalBatches, rep.TotalDomains, len(result.BatchIDs))
	}
	if rep.EstimatedSavingsPct != result.EstimatedSavingsPct {
		t.Fatalf("report savings=%v, want the plan's %v", rep.EstimatedSavingsPct, result.EstimatedSavingsPct)
	}
	if rep.StartedAt.IsZero() {
		t.Fatalf("report started_at is zero")
	}
	if rep.CompletedAt.Before(rep.StartedAt) {
		t.Fatalf("report window inverted: %v .. %v", rep.StartedAt, rep.CompletedAt)
	}
}

func TestAggregate(t *testing.T) {
	mk := func(statuses ...domain.BatchStatus) []domain.BatchJob {
		out := make([]domain.BatchJob, 0, len(statuses))
		for i, s := range statuses {
			out = append(out, domain.BatchJob{ID: domainName(i), Status: s})
		}
		return out
	}

	cases := []struct {
		name string
		in   []domain.BatchJob
		want domain.ScanStatus
	}{
		{"all completed", mk(domain.BatchStatusCompleted, domain.BatchStatusCompleted), domain.ScanStatusCompleted},
		{"mixed success and failure", mk(domain.BatchStatusCompleted, domain.BatchStatusFailed), domain.ScanStatusPartialFailure},
		{"all failed", mk(domain.BatchStatusFailed, domain.BatchStatusFailed), domain.ScanStatusFailed},
		{"timeout dominates", mk(domain.BatchStatusCompleted, domain.BatchStatusTimeout), domain.ScanStatusTimeout},
		{"still running", mk(domain.BatchStatusCompleted, domain.BatchStatusRunning), domain.ScanStatusLaunched},
		{"all cancelled", mk(domain.BatchStatusCancelled, domain.BatchStatusCancelled), domain.ScanStatusCancelled},
	}
	for _, tc := range cases {
		if got := Aggregate(tc.in); got != tc.want {
			t.Fatalf("%s: Aggregate()=%q, want %q", tc.name, got, tc.want)
		}
	}
}

func domainName(i int) string {
	return fmt.Sprintf("host-%04d.example.com", i)
}

func moduleNames(specs []runtimeexec.UnitSpec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Module)
	}
	return out
}
