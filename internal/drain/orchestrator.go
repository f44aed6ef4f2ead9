package drain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/metrics"
	"github.com/limiquantix/orchestrator/internal/migration"
	"github.com/limiquantix/orchestrator/internal/registry"
)

// Request describes a drain of one node.
type Request struct {
	Mode       domain.DrainMode `json:"mode,omitempty"`
	TargetNode string           `json:"target_node,omitempty"`
	// Parallel overrides the configured execution mode when set.
	Parallel       *bool  `json:"parallel,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	AllowOffline   bool   `json:"allow_offline,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Orchestrator drains and undrains nodes.
type Orchestrator struct {
	hypervisor  Hypervisor
	migrator    Migrator
	selector    TargetSelector
	maintenance MaintenanceRepository
	locker      NodeLocker
	operations  *registry.Registry[*domain.DrainOperation]
	config      Config
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// active maps node name to the id of its in-progress drain or undrain.
	mu     sync.Mutex
	active map[string]string

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new drain orchestrator. A nil locker means in-process locking only.
func New(
	hv Hypervisor,
	migrator Migrator,
	selector TargetSelector,
	maintenance MaintenanceRepository,
	locker NodeLocker,
	operations *registry.Registry[*domain.DrainOperation],
	config Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if locker == nil {
		locker = LocalLocker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		hypervisor:  hv,
		migrator:    migrator,
		selector:    selector,
		maintenance: maintenance,
		locker:      locker,
		operations:  operations,
		config:      config,
		metrics:     m,
		logger:      logger.With(zap.String("component", "drain")),
		active:      make(map[string]string),
		bgCtx:       ctx,
		bgCancel:    cancel,
	}
}

// Close stops accepting background work and waits for running operations.
func (o *Orchestrator) Close() {
	o.bgCancel()
	o.wg.Wait()
}

// Wait blocks until every background operation has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Drain puts node into maintenance and migrates its policy-selected VMs
// away in the background. The returned operation is the initial snapshot;
// progress is observable through GetOperation.
func (o *Orchestrator) Drain(ctx context.Context, node string, req Request) (*domain.DrainOperation, error) {
	if node == "" {
		return nil, domain.Validationf("node is required")
	}
	if req.Mode == "" {
		req.Mode = domain.DrainModeSoft
	}
	if req.Mode != domain.DrainModeSoft && req.Mode != domain.DrainModeHard {
		return nil, domain.Validationf("unknown drain mode %q", req.Mode)
	}
	if req.MaxConcurrency < 0 {
		return nil, domain.Validationf("max concurrency must not be negative")
	}
	if req.TargetNode == node {
		return nil, domain.Conflictf("target node %s is the node being drained", node)
	}

	nodes, err := o.hypervisor.ListNodes(ctx)
	if err != nil {
		return nil, domain.Wrap(err, "failed to list nodes")
	}
	if !hasNode(nodes, node) {
		return nil, domain.NotFoundf("node %s", node)
	}
	if req.TargetNode != "" && !hasNode(nodes, req.TargetNode) {
		return nil, domain.NotFoundf("target node %s", req.TargetNode)
	}

	op := &domain.DrainOperation{
		ID:        uuid.NewString(),
		Node:      node,
		Kind:      domain.DrainKindDrain,
		Mode:      req.Mode,
		Status:    domain.DrainInProgress,
		StartedAt: time.Now(),
	}
	if err := o.claim(node, op.ID); err != nil {
		return nil, err
	}

	vms, err := o.hypervisor.ListVMs(ctx)
	if err != nil {
		o.release(node)
		return nil, domain.Wrap(err, "failed to list vms")
	}
	selected := SelectVMs(vms, node, req.Mode)
	op.TotalVMs = len(selected)

	record := &domain.NodeMaintenanceRecord{
		ID:                   uuid.NewString(),
		Node:                 node,
		InMaintenance:        true,
		Reason:               req.Reason,
		StartedAt:            op.StartedAt,
		LastDrainOperationID: op.ID,
		DrainStatus:          domain.DrainInProgress,
		VMIDs:                vmIDs(selected),
	}
	if err := o.createMaintenance(ctx, record); err != nil {
		o.release(node)
		return nil, err
	}

	o.operations.Put(ctx, op.ID, op.Clone())
	o.logger.Info("Drain started",
		zap.String("operation_id", op.ID),
		zap.String("node", node),
		zap.String("mode", string(req.Mode)),
		zap.Int("vms", len(selected)),
	)

	snapshot := op.Clone()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(node)
		o.executeDrain(o.bgCtx, op, record, selected, req)
	}()
	return snapshot, nil
}

// Undrain migrates the VMs captured when node was drained back to it and
// closes the node's maintenance window.
func (o *Orchestrator) Undrain(ctx context.Context, node string) (*domain.DrainOperation, error) {
	if node == "" {
		return nil, domain.Validationf("node is required")
	}
	record, err := o.maintenance.FindActiveByNode(ctx, node)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundf("node %s is not in maintenance", node)
		}
		return nil, domain.Wrap(err, "failed to load maintenance record")
	}

	op := &domain.DrainOperation{
		ID:        uuid.NewString(),
		Node:      node,
		Kind:      domain.DrainKindUndrain,
		Status:    domain.DrainInProgress,
		TotalVMs:  len(record.VMIDs),
		StartedAt: time.Now(),
	}
	if err := o.claim(node, op.ID); err != nil {
		return nil, err
	}

	o.operations.Put(ctx, op.ID, op.Clone())
	o.logger.Info("Undrain started",
		zap.String("operation_id", op.ID),
		zap.String("node", node),
		zap.Ints("vm_ids", record.VMIDs),
	)

	snapshot := op.Clone()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(node)
		o.executeUndrain(o.bgCtx, op, record)
	}()
	return snapshot, nil
}

// GetOperation returns the current snapshot of a drain or undrain operation.
func (o *Orchestrator) GetOperation(ctx context.Context, id string) (*domain.DrainOperation, error) {
	op, ok := o.operations.Get(ctx, id)
	if !ok {
		return nil, domain.NotFoundf("drain operation %s", id)
	}
	return op, nil
}

// EnableMaintenance opens a maintenance window without moving any VM.
func (o *Orchestrator) EnableMaintenance(ctx context.Context, node, reason string) (*domain.NodeMaintenanceRecord, error) {
	if node == "" {
		return nil, domain.Validationf("node is required")
	}
	nodes, err := o.hypervisor.ListNodes(ctx)
	if err != nil {
		return nil, domain.Wrap(err, "failed to list nodes")
	}
	if !hasNode(nodes, node) {
		return nil, domain.NotFoundf("node %s", node)
	}

	record := &domain.NodeMaintenanceRecord{
		ID:            uuid.NewString(),
		Node:          node,
		InMaintenance: true,
		Reason:        reason,
		StartedAt:     time.Now(),
	}
	if err := o.createMaintenance(ctx, record); err != nil {
		return nil, err
	}
	o.logger.Info("Maintenance enabled", zap.String("node", node), zap.String("reason", reason))
	return record, nil
}

// DisableMaintenance closes the active maintenance window of node.
func (o *Orchestrator) DisableMaintenance(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error) {
	record, err := o.maintenance.FindActiveByNode(ctx, node)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFoundf("node %s is not in maintenance", node)
		}
		return nil, domain.Wrap(err, "failed to load maintenance record")
	}
	record.Close()
	if err := o.maintenance.Update(ctx, record); err != nil {
		return nil, domain.Wrap(err, "failed to close maintenance record")
	}
	o.refreshMaintenanceGauge(ctx)
	o.logger.Info("Maintenance disabled", zap.String("node", node))
	return record, nil
}

// GetMaintenance returns the latest maintenance record of node.
func (o *Orchestrator) GetMaintenance(ctx context.Context, node string) (*domain.NodeMaintenanceRecord, error) {
	return o.maintenance.FindLatestByNode(ctx, node)
}

// SelectVMs returns the VMs on node a drain in mode moves, in id order.
// Hard mode takes every VM. Soft mode skips maint-ok VMs unless they are
// also always-on.
func SelectVMs(vms []domain.VirtualMachine, node string, mode domain.DrainMode) []domain.VirtualMachine {
	var selected []domain.VirtualMachine
	for _, vm := range vms {
		if vm.Node != node {
			continue
		}
		if mode != domain.DrainModeHard {
			caps := vm.Capabilities()
			if caps.MaintOK && !caps.AlwaysOn {
				continue
			}
		}
		selected = append(selected, vm)
	}
	return selected
}

// OfflinePermitted reports whether a VM may fall back to offline migration.
func OfflinePermitted(vm domain.VirtualMachine, allowOffline bool) bool {
	caps := vm.Capabilities()
	switch {
	case caps.AlwaysOn:
		return false
	case caps.MaintOK:
		return true
	default:
		return allowOffline
	}
}

func (o *Orchestrator) executeDrain(ctx context.Context, op *domain.DrainOperation, record *domain.NodeMaintenanceRecord, vms []domain.VirtualMachine, req Request) {
	logger := o.logger.With(zap.String("operation_id", op.ID), zap.String("node", op.Node))

	if err := ctx.Err(); err != nil {
		o.abort(ctx, op, record, fmt.Errorf("drain aborted before start: %w", err))
		return
	}

	exclude := []string{op.Node}
	if active, err := o.maintenance.ListActive(ctx); err == nil {
		for _, r := range active {
			if r.Node != op.Node {
				exclude = append(exclude, r.Node)
			}
		}
	} else {
		logger.Warn("Failed to list nodes in maintenance", zap.Error(err))
	}

	migrate := func(vm domain.VirtualMachine) domain.VMOutcome {
		outcome := domain.VMOutcome{VMID: vm.ID, Name: vm.Name, SourceNode: op.Node}
		target := req.TargetNode
		if target == "" {
			var err error
			target, err = o.selector.SelectMigrationTarget(ctx, exclude)
			if err != nil {
				outcome.Status = domain.VMOutcomeFailed
				outcome.Error = fmt.Sprintf("no migration target: %v", err)
				return outcome
			}
		}
		outcome.TargetNode = target

		rec, err := o.migrator.Migrate(ctx, vm.ID, migration.Request{
			TargetNode:           target,
			AllowOfflineFallback: OfflinePermitted(vm, req.AllowOffline),
		})
		if rec != nil {
			outcome.MigrationID = rec.ID
		}
		if err != nil {
			outcome.Status = domain.VMOutcomeFailed
			outcome.Error = err.Error()
			return outcome
		}
		outcome.Status = domain.VMOutcomeCompleted
		return outcome
	}

	parallel := o.config.Parallel
	if req.Parallel != nil {
		parallel = *req.Parallel
	}
	if parallel {
		limit := req.MaxConcurrency
		if limit <= 0 {
			limit = o.config.MaxConcurrency
		}
		o.runParallel(ctx, op, vms, limit, migrate)
	} else {
		o.runSequential(ctx, op, vms, migrate)
	}

	op.Finish(fmt.Sprintf("%d migrated, %d failed", op.CompletedVMs, op.FailedVMs))
	o.operations.Put(ctx, op.ID, op.Clone())

	record.DrainStatus = op.Status
	if err := o.maintenance.Update(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("Failed to update maintenance record", zap.Error(err))
	}
	o.metrics.ObserveDrain(string(op.Kind), string(op.Status))

	logger.Info("Drain finished",
		zap.String("status", string(op.Status)),
		zap.Int("completed", op.CompletedVMs),
		zap.Int("failed", op.FailedVMs),
	)
}

// runSequential migrates VMs in selection order and publishes progress after each one.
func (o *Orchestrator) runSequential(ctx context.Context, op *domain.DrainOperation, vms []domain.VirtualMachine, migrate func(domain.VirtualMachine) domain.VMOutcome) {
	for _, vm := range vms {
		outcome := migrate(vm)
		op.Record(outcome)
		o.metrics.ObserveDrainVM(string(op.Kind), string(outcome.Status))
		o.operations.Put(ctx, op.ID, op.Clone())
	}
}

// runParallel migrates up to limit VMs at a time and publishes progress once
// all of them have resolved.
func (o *Orchestrator) runParallel(ctx context.Context, op *domain.DrainOperation, vms []domain.VirtualMachine, limit int, migrate func(domain.VirtualMachine) domain.VMOutcome) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(limit)
	for _, vm := range vms {
		g.Go(func() error {
			outcome := migrate(vm)
			mu.Lock()
			op.Record(outcome)
			mu.Unlock()
			o.metrics.ObserveDrainVM(string(op.Kind), string(outcome.Status))
			return nil
		})
	}
	_ = g.Wait()
	o.operations.Put(ctx, op.ID, op.Clone())
}

func (o *Orchestrator) executeUndrain(ctx context.Context, op *domain.DrainOperation, record *domain.NodeMaintenanceRecord) {
	logger := o.logger.With(zap.String("operation_id", op.ID), zap.String("node", op.Node))

	if err := ctx.Err(); err != nil {
		o.abort(ctx, op, nil, fmt.Errorf("undrain aborted before start: %w", err))
		return
	}

	for _, vmid := range record.VMIDs {
		outcome := o.returnVM(ctx, op.Node, vmid)
		op.Record(outcome)
		o.metrics.ObserveDrainVM(string(op.Kind), string(outcome.Status))
		o.operations.Put(ctx, op.ID, op.Clone())
	}

	op.Finish(fmt.Sprintf("%d returned, %d failed, %d skipped", op.CompletedVMs, op.FailedVMs, op.SkippedVMs))
	o.operations.Put(ctx, op.ID, op.Clone())

	record.Close()
	if err := o.maintenance.Update(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("Failed to close maintenance record", zap.Error(err))
	}
	o.refreshMaintenanceGauge(ctx)
	o.metrics.ObserveDrain(string(op.Kind), string(op.Status))

	logger.Info("Undrain finished",
		zap.String("status", string(op.Status)),
		zap.Int("completed", op.CompletedVMs),
		zap.Int("failed", op.FailedVMs),
		zap.Int("skipped", op.SkippedVMs),
	)
}

func (o *Orchestrator) returnVM(ctx context.Context, node string, vmid int) domain.VMOutcome {
	outcome := domain.VMOutcome{VMID: vmid, TargetNode: node}

	vm, err := o.hypervisor.GetVM(ctx, vmid)
	if err != nil {
		outcome.Status = domain.VMOutcomeSkipped
		outcome.Error = err.Error()
		if !errors.Is(err, domain.ErrNotFound) {
			outcome.Status = domain.VMOutcomeFailed
		}
		return outcome
	}
	outcome.Name = vm.Name
	outcome.SourceNode = vm.Node
	if vm.Node == node {
		outcome.Status = domain.VMOutcomeSkipped
		outcome.Error = "already on node"
		return outcome
	}

	rec, err := o.migrator.Migrate(ctx, vmid, migration.Request{
		TargetNode:           node,
		AllowOfflineFallback: OfflinePermitted(*vm, false),
	})
	if rec != nil {
		outcome.MigrationID = rec.ID
	}
	if err != nil {
		outcome.Status = domain.VMOutcomeFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Status = domain.VMOutcomeCompleted
	return outcome
}

func (o *Orchestrator) abort(ctx context.Context, op *domain.DrainOperation, record *domain.NodeMaintenanceRecord, err error) {
	op.Abort(err)
	o.operations.Put(context.WithoutCancel(ctx), op.ID, op.Clone())
	if record != nil {
		record.DrainStatus = op.Status
		if uerr := o.maintenance.Update(context.WithoutCancel(ctx), record); uerr != nil {
			o.logger.Error("Failed to update maintenance record", zap.Error(uerr))
		}
	}
	o.metrics.ObserveDrain(string(op.Kind), string(op.Status))
	o.logger.Warn("Drain operation aborted", zap.String("operation_id", op.ID), zap.Error(err))
}

// createMaintenance checks for an active record and creates one under the node lock.
func (o *Orchestrator) createMaintenance(ctx context.Context, record *domain.NodeMaintenanceRecord) error {
	unlock, err := o.locker.Lock(ctx, record.Node)
	if err != nil {
		return domain.Wrap(err, "failed to lock node %s", record.Node)
	}
	defer unlock()

	if _, err := o.maintenance.FindActiveByNode(ctx, record.Node); err == nil {
		return domain.Conflictf("node %s is already in maintenance", record.Node)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Wrap(err, "failed to check maintenance state")
	}
	if err := o.maintenance.Create(ctx, record); err != nil {
		return domain.Wrap(err, "failed to create maintenance record")
	}
	o.refreshMaintenanceGauge(ctx)
	return nil
}

func (o *Orchestrator) refreshMaintenanceGauge(ctx context.Context) {
	if active, err := o.maintenance.ListActive(ctx); err == nil {
		o.metrics.SetNodesInMaintenance(len(active))
	}
}

// claim marks node as having an operation in progress.
func (o *Orchestrator) claim(node, opID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.active[node]; ok {
		return domain.Conflictf("node %s already has operation %s in progress", node, existing)
	}
	o.active[node] = opID
	return nil
}

func (o *Orchestrator) release(node string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, node)
}

func hasNode(nodes []domain.ClusterNode, name string) bool {
	for _, n := range nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

func vmIDs(vms []domain.VirtualMachine) []int {
	ids := make([]int, 0, len(vms))
	for _, vm := range vms {
		ids = append(ids, vm.ID)
	}
	return ids
}
