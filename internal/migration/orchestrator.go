package migration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/metrics"
)

// Request describes a migration of one VM.
type Request struct {
	TargetNode           string               `json:"target_node"`
	ForceOffline         bool                 `json:"force_offline,omitempty"`
	AllowOfflineFallback bool                 `json:"allow_offline_fallback,omitempty"`
	WithLocalDisks       *bool                `json:"with_local_disks,omitempty"`
	Force                bool                 `json:"force,omitempty"`
	BandwidthLimit       int                  `json:"bwlimit,omitempty"`
	TargetStorage        string               `json:"target_storage,omitempty"`
	Transport            domain.TransportType `json:"transport,omitempty"`
	MigrationNetwork     string               `json:"migration_network,omitempty"`
}

// Handle identifies a submitted migration for monitoring.
type Handle struct {
	RecordID   string `json:"record_id"`
	VMID       int    `json:"vmid"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	TaskID     string `json:"task_id"`
	Online     bool   `json:"online"`

	params        domain.MigrateParams
	allowFallback bool
}

// Orchestrator migrates VMs and keeps their migration records.
type Orchestrator struct {
	hypervisor Hypervisor
	repo       Repository
	storage    *StorageCache
	config     Config
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// Background monitors outlive the request that started them.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new migration orchestrator.
func New(hv Hypervisor, storage StorageSource, repo Repository, config Config, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.DefaultTransport == "" {
		config.DefaultTransport = domain.TransportSecure
	}
	logger = logger.With(zap.String("component", "migration"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		hypervisor: hv,
		repo:       repo,
		storage:    NewStorageCache(storage, config.StorageCacheTTL, config.StorageMaxRetries, config.StorageRetryBackoff, logger),
		config:     config,
		metrics:    m,
		logger:     logger,
		bgCtx:      ctx,
		bgCancel:   cancel,
	}
}

// Close stops background monitors and waits for them to return. Records of
// interrupted monitors are marked failed.
func (o *Orchestrator) Close() {
	o.bgCancel()
	o.wg.Wait()
}

// InitiateMigration validates the request, creates the migration record,
// submits the migration task and returns. Monitoring continues in the
// background; progress is observable through Get.
func (o *Orchestrator) InitiateMigration(ctx context.Context, vmid int, req Request) (*Handle, error) {
	h, err := o.initiate(ctx, vmid, req)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Monitor(o.bgCtx, h); err != nil {
			o.logger.Debug("Background migration ended with failure",
				zap.String("migration_id", h.RecordID),
				zap.Error(err),
			)
		}
	}()

	return h, nil
}

// Migrate runs a migration to completion on the calling goroutine. The
// returned error is non-nil if the migration could not be started or ended failed.
func (o *Orchestrator) Migrate(ctx context.Context, vmid int, req Request) (*domain.MigrationRecord, error) {
	h, err := o.initiate(ctx, vmid, req)
	if err != nil {
		return nil, err
	}
	return o.Monitor(ctx, h)
}

func (o *Orchestrator) initiate(ctx context.Context, vmid int, req Request) (*Handle, error) {
	if req.TargetNode == "" {
		return nil, domain.Validationf("target node is required")
	}
	if req.BandwidthLimit < 0 {
		return nil, domain.Validationf("bandwidth limit must not be negative")
	}
	transport := req.Transport
	if transport == "" {
		transport = o.config.DefaultTransport
	}
	if transport != domain.TransportSecure && transport != domain.TransportInsecure {
		return nil, domain.Validationf("unknown transport %q", transport)
	}

	vm, err := o.hypervisor.GetVM(ctx, vmid)
	if err != nil {
		return nil, domain.Wrap(err, "failed to get vm %d", vmid)
	}

	nodes, err := o.hypervisor.ListNodes(ctx)
	if err != nil {
		return nil, domain.Wrap(err, "failed to list nodes")
	}
	if !hasNode(nodes, req.TargetNode) {
		return nil, domain.NotFoundf("target node %s", req.TargetNode)
	}
	if req.TargetNode == vm.Node {
		return nil, domain.Conflictf("vm %d is already on node %s", vmid, vm.Node)
	}

	logger := o.logger.With(
		zap.Int("vmid", vmid),
		zap.String("source", vm.Node),
		zap.String("target", req.TargetNode),
	)

	var detection *LocalDiskResult
	if req.WithLocalDisks != nil {
		detection = &LocalDiskResult{HasLocalDisks: *req.WithLocalDisks, DetectionMethod: DetectionOverride}
	} else {
		// Errors are absorbed: the result is the fail-open default.
		detection, _ = o.DetectLocalDisks(ctx, vm.Node, vmid)
	}

	online := vm.IsRunning() && !req.ForceOffline
	requested := transport
	if detection.HasLocalDisks && transport == domain.TransportSecure {
		transport = domain.TransportInsecure
	}

	params := domain.MigrateParams{
		Target:           req.TargetNode,
		Online:           online,
		WithLocalDisks:   detection.HasLocalDisks,
		Force:            req.Force,
		BandwidthLimit:   req.BandwidthLimit,
		TargetStorage:    req.TargetStorage,
		Transport:        transport,
		MigrationNetwork: req.MigrationNetwork,
	}

	now := time.Now()
	record := &domain.MigrationRecord{
		ID:                uuid.NewString(),
		VMID:              vmid,
		VMName:            vm.Name,
		SourceNode:        vm.Node,
		TargetNode:        req.TargetNode,
		Kind:              kindOf(online),
		PreMigrationState: vm.Status,
		Status:            domain.MigrationStarted,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if req.BandwidthLimit > 0 {
		record.SetOption(domain.OptionBandwidthLimit, strconv.Itoa(req.BandwidthLimit))
	}
	if req.TargetStorage != "" {
		record.SetOption(domain.OptionTargetStorage, req.TargetStorage)
	}
	record.SetOption(domain.OptionForce, strconv.FormatBool(req.Force))
	record.SetOption(domain.OptionDetectionMethod, detection.DetectionMethod)
	record.SetOption(domain.OptionTransport, string(transport))
	record.SetOption(domain.OptionOfflineFallback, strconv.FormatBool(req.AllowOfflineFallback))
	if len(detection.LocalStoragePools) > 0 {
		record.SetOption(domain.OptionLocalStoragePools, strings.Join(detection.LocalStoragePools, ","))
	}
	if requested != transport {
		record.AddWarning("local disks detected: using insecure migration transport")
	}
	if detection.DetectionMethod == DetectionDefault {
		record.AddWarning("local-disk detection inconclusive: storage assumed shared")
	}

	if err := o.repo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create migration record: %w", err)
	}

	// A forced offline migration of a running VM needs it powered off first.
	if !online && vm.IsRunning() {
		logger.Info("Stopping VM for offline migration")
		if err := o.runTask(ctx, vm.Node, func() (string, error) {
			return o.hypervisor.StopVM(ctx, vm.Node, vmid)
		}); err != nil {
			o.finishFailed(ctx, record, fmt.Errorf("failed to stop vm before offline migration: %w", err))
			return nil, domain.Wrap(err, "failed to stop vm %d", vmid)
		}
	}

	upid, err := o.hypervisor.MigrateVM(ctx, vm.Node, vmid, params)
	if err != nil {
		o.finishFailed(ctx, record, fmt.Errorf("failed to submit migration: %w", err))
		return nil, domain.Wrap(err, "failed to submit migration of vm %d", vmid)
	}

	record.TaskID = upid
	o.save(ctx, record)
	o.metrics.MigrationStarted()

	logger.Info("Migration started",
		zap.String("migration_id", record.ID),
		zap.String("task_id", upid),
		zap.Bool("online", online),
		zap.Bool("with_local_disks", params.WithLocalDisks),
		zap.String("transport", string(transport)),
		zap.String("detection_method", detection.DetectionMethod),
	)

	return &Handle{
		RecordID:      record.ID,
		VMID:          vmid,
		SourceNode:    vm.Node,
		TargetNode:    req.TargetNode,
		TaskID:        upid,
		Online:        online,
		params:        params,
		allowFallback: req.AllowOfflineFallback,
	}, nil
}

// Monitor polls the migration task to completion, verifies the VM landed on
// the target, restores its run state and applies the offline fallback when
// the request allowed it. It returns the terminal record; the error is
// non-nil when the migration failed.
func (o *Orchestrator) Monitor(ctx context.Context, h *Handle) (*domain.MigrationRecord, error) {
	defer o.metrics.MigrationFinished()

	record, err := o.repo.Get(ctx, h.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load migration record: %w", err)
	}

	logger := o.logger.With(
		zap.String("migration_id", record.ID),
		zap.Int("vmid", h.VMID),
		zap.String("target", h.TargetNode),
	)

	status, err := o.waitTask(ctx, h.SourceNode, h.TaskID)
	if err != nil {
		return o.finishFailed(ctx, record, fmt.Errorf("monitoring interrupted: %w", err))
	}

	if !status.Succeeded() {
		migErr := fmt.Errorf("migration task failed: %s", status.ExitStatus)
		if h.Online && h.allowFallback {
			logger.Warn("Online migration failed, falling back to offline migration", zap.Error(migErr))
			return o.offlineFallback(ctx, record, h, migErr)
		}
		logger.Warn("Migration failed", zap.Error(migErr))
		return o.finishFailed(ctx, record, migErr)
	}

	vm, err := o.verifyPlacement(ctx, h)
	if err != nil {
		return o.finishFailed(ctx, record, err)
	}

	post := vm.Status
	if record.PreMigrationState == domain.VMStateRunning && !vm.IsRunning() {
		post = o.restart(ctx, record, h)
	}

	record.Complete(post)
	o.save(ctx, record)
	o.observe(record)

	logger.Info("Migration completed",
		zap.String("post_state", string(post)),
		zap.Duration("duration", time.Since(record.StartedAt)),
	)
	return record, nil
}

// offlineFallback stops the VM, migrates it offline and starts it on the target.
func (o *Orchestrator) offlineFallback(ctx context.Context, record *domain.MigrationRecord, h *Handle, cause error) (*domain.MigrationRecord, error) {
	record.AddWarning(fmt.Sprintf("online migration failed (%v), retried offline", cause))
	record.Kind = domain.MigrationOffline
	record.SetOption(domain.OptionOfflineFallback, "used")
	o.save(ctx, record)

	fail := func(err error) (*domain.MigrationRecord, error) {
		o.metrics.ObserveOfflineFallback("failed")
		return o.finishFailed(ctx, record, fmt.Errorf("offline fallback after %v: %w", cause, err))
	}

	if err := o.runTask(ctx, h.SourceNode, func() (string, error) {
		return o.hypervisor.StopVM(ctx, h.SourceNode, h.VMID)
	}); err != nil {
		return fail(fmt.Errorf("stop failed: %w", err))
	}

	if err := sleepContext(ctx, o.config.OfflineFallbackDelay); err != nil {
		return fail(err)
	}

	params := h.params
	params.Online = false
	upid, err := o.hypervisor.MigrateVM(ctx, h.SourceNode, h.VMID, params)
	if err != nil {
		return fail(fmt.Errorf("submit failed: %w", err))
	}
	record.TaskID = upid
	o.save(ctx, record)

	status, err := o.waitTask(ctx, h.SourceNode, upid)
	if err != nil {
		return fail(err)
	}
	if !status.Succeeded() {
		return fail(fmt.Errorf("offline migration task failed: %s", status.ExitStatus))
	}

	if _, err := o.verifyPlacement(ctx, h); err != nil {
		return fail(err)
	}

	if err := o.runTask(ctx, h.TargetNode, func() (string, error) {
		return o.hypervisor.StartVM(ctx, h.TargetNode, h.VMID)
	}); err != nil {
		return fail(fmt.Errorf("start on target failed: %w", err))
	}

	post := domain.VMStateRunning
	if vm, err := o.hypervisor.GetVM(ctx, h.VMID); err == nil {
		post = vm.Status
	}
	record.Complete(post)
	o.save(ctx, record)
	o.observe(record)
	o.metrics.ObserveOfflineFallback("completed")

	o.logger.Info("Offline fallback migration completed",
		zap.String("migration_id", record.ID),
		zap.Int("vmid", h.VMID),
	)
	return record, nil
}

// restart issues a single start on the target and returns the resulting
// state. A failed start only adds a warning.
func (o *Orchestrator) restart(ctx context.Context, record *domain.MigrationRecord, h *Handle) domain.VMPowerState {
	logger := o.logger.With(zap.String("migration_id", record.ID), zap.Int("vmid", h.VMID))
	logger.Info("VM not running after migration, starting it on target")

	err := o.runTask(ctx, h.TargetNode, func() (string, error) {
		return o.hypervisor.StartVM(ctx, h.TargetNode, h.VMID)
	})
	if err != nil {
		logger.Warn("Failed to restart VM after migration", zap.Error(err))
		record.AddWarning(fmt.Sprintf("vm was running before migration but failed to start on %s: %v", h.TargetNode, err))
	}

	vm, err := o.hypervisor.GetVM(ctx, h.VMID)
	if err != nil {
		record.AddWarning(fmt.Sprintf("could not read vm state after restart: %v", err))
		return domain.VMStateUnknown
	}
	return vm.Status
}

func (o *Orchestrator) verifyPlacement(ctx context.Context, h *Handle) (*domain.VirtualMachine, error) {
	vm, err := o.hypervisor.GetVM(ctx, h.VMID)
	if err != nil {
		return nil, fmt.Errorf("post-migration check failed: %w", err)
	}
	if vm.Node != h.TargetNode {
		return nil, fmt.Errorf("vm reports node %s after migration, expected %s", vm.Node, h.TargetNode)
	}
	return vm, nil
}

// runTask submits a task and waits for it to succeed.
func (o *Orchestrator) runTask(ctx context.Context, node string, submit func() (string, error)) error {
	upid, err := submit()
	if err != nil {
		return err
	}
	status, err := o.waitTask(ctx, node, upid)
	if err != nil {
		return err
	}
	if !status.Succeeded() {
		return fmt.Errorf("task %s failed: %s", upid, status.ExitStatus)
	}
	return nil
}

// waitTask polls a task until it finishes. Poll errors are logged and
// retried on the next tick; only context cancellation ends the wait early.
func (o *Orchestrator) waitTask(ctx context.Context, node, upid string) (*domain.TaskStatus, error) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := o.hypervisor.TaskStatus(ctx, node, upid)
		switch {
		case err != nil:
			o.logger.Debug("Task status poll failed", zap.String("task_id", upid), zap.Error(err))
		case status.Finished():
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) finishFailed(ctx context.Context, record *domain.MigrationRecord, err error) (*domain.MigrationRecord, error) {
	record.Fail(err)
	// The request context may be gone; the record must still be stored.
	o.save(context.WithoutCancel(ctx), record)
	o.observe(record)
	return record, err
}

func (o *Orchestrator) save(ctx context.Context, record *domain.MigrationRecord) {
	record.UpdatedAt = time.Now()
	if err := o.repo.Update(ctx, record.Clone()); err != nil {
		o.logger.Error("Failed to persist migration record",
			zap.String("migration_id", record.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) observe(record *domain.MigrationRecord) {
	o.metrics.ObserveMigration(string(record.Kind), string(record.Status), time.Since(record.StartedAt))
}

// Get returns a migration record by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.MigrationRecord, error) {
	return o.repo.Get(ctx, id)
}

// History returns the migration records of a VM, newest first.
func (o *Orchestrator) History(ctx context.Context, vmid int) ([]*domain.MigrationRecord, error) {
	return o.repo.FindByVMID(ctx, vmid)
}

// HistoryByNode returns the migration records involving node, newest first.
func (o *Orchestrator) HistoryByNode(ctx context.Context, node string) ([]*domain.MigrationRecord, error) {
	return o.repo.FindByNode(ctx, node)
}

// ListActive returns all migrations that have not reached a terminal state.
func (o *Orchestrator) ListActive(ctx context.Context) ([]*domain.MigrationRecord, error) {
	return o.repo.ListActive(ctx)
}

func kindOf(online bool) domain.MigrationKind {
	if online {
		return domain.MigrationOnline
	}
	return domain.MigrationOffline
}

func hasNode(nodes []domain.ClusterNode, name string) bool {
	for _, n := range nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return nil
}
