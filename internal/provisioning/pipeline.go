package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/metrics"
	"github.com/limiquantix/orchestrator/internal/registry"
)

// Pipeline provisions clusters.
type Pipeline struct {
	hypervisor Hypervisor
	selector   HostSelector
	states     *registry.Registry[*domain.ClusterProvisioningState]
	config     Config
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu   sync.Mutex
	runs map[string]*run

	// allocMu serializes VM id allocation; reserved holds ids handed out
	// whose create task has not finished yet.
	allocMu  sync.Mutex
	reserved map[int]bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// run is the mutable state of one in-flight provisioning run.
type run struct {
	mu        sync.Mutex
	state     *domain.ClusterProvisioningState
	plan      []plannedNode
	cancelled atomic.Bool
	failures  []error
	// interrupted counts nodes left PENDING because the pipeline shut down.
	interrupted int
	logger      *zap.Logger
}

// New creates a new provisioning pipeline.
func New(hv Hypervisor, selector HostSelector, states *registry.Registry[*domain.ClusterProvisioningState], config Config, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxParallel < 1 {
		config.MaxParallel = defaults.MaxParallel
	}
	if config.HostnamePattern == "" {
		config.HostnamePattern = defaults.HostnamePattern
	}
	if config.DefaultStorage == "" {
		config.DefaultStorage = defaults.DefaultStorage
	}
	if config.DefaultBridge == "" {
		config.DefaultBridge = defaults.DefaultBridge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		hypervisor: hv,
		selector:   selector,
		states:     states,
		config:     config,
		metrics:    m,
		logger:     logger.With(zap.String("component", "provisioning")),
		runs:       make(map[string]*run),
		reserved:   make(map[int]bool),
		bgCtx:      ctx,
		bgCancel:   cancel,
	}
}

// Close cancels running provisioning work and waits for it to stop.
func (p *Pipeline) Close() {
	p.bgCancel()
	p.wg.Wait()
}

// Wait blocks until every run has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Provision validates spec, records a new run with every planned node in
// PENDING and drives the run in the background.
func (p *Pipeline) Provision(ctx context.Context, spec domain.ClusterSpec) (*domain.ClusterProvisioningState, error) {
	nodes, err := plan(&spec, p.config.HostnamePattern)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	state := &domain.ClusterProvisioningState{
		OperationID: uuid.NewString(),
		Spec:        spec,
		Status:      domain.ProvisioningValidating,
		Nodes:       make(map[string]*domain.NodeProvisioningState, len(nodes)),
		StartedAt:   now,
	}
	for _, n := range nodes {
		state.Nodes[n.name] = &domain.NodeProvisioningState{
			Name:      n.name,
			Group:     n.group.Name,
			Index:     n.index,
			Status:    domain.NodePending,
			UpdatedAt: now,
		}
	}

	r := &run{
		state: state,
		plan:  nodes,
		logger: p.logger.With(
			zap.String("operation_id", state.OperationID),
			zap.String("cluster", spec.Name),
		),
	}

	p.mu.Lock()
	p.runs[state.OperationID] = r
	p.mu.Unlock()
	p.states.Put(ctx, state.OperationID, state.Clone())

	r.logger.Info("Cluster provisioning accepted",
		zap.Int("nodes", len(nodes)),
		zap.Bool("dry_run", spec.Options.DryRun),
		zap.Bool("parallel", spec.Options.ParallelProvisioning),
	)

	snapshot := state.Clone()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drive(p.bgCtx, r)
	}()
	return snapshot, nil
}

// GetState returns the current snapshot of a run.
func (p *Pipeline) GetState(ctx context.Context, id string) (*domain.ClusterProvisioningState, error) {
	state, ok := p.states.Get(ctx, id)
	if !ok {
		return nil, domain.NotFoundf("provisioning operation %s", id)
	}
	return state, nil
}

// List returns a snapshot of every known run.
func (p *Pipeline) List() []*domain.ClusterProvisioningState {
	return p.states.List()
}

// Cancel stops a run from starting further nodes. Nodes already being
// created are not interrupted.
func (p *Pipeline) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	r, ok := p.runs[id]
	p.mu.Unlock()
	if ok {
		r.mu.Lock()
		status := r.state.Status
		r.mu.Unlock()
		if status.IsTerminal() {
			return domain.Conflictf("provisioning operation %s is already %s", id, status)
		}
		r.cancelled.Store(true)
		r.logger.Info("Cluster provisioning cancellation requested")
		return nil
	}

	state, found := p.states.Get(ctx, id)
	if !found {
		return domain.NotFoundf("provisioning operation %s", id)
	}
	return domain.Conflictf("provisioning operation %s is already %s", id, state.Status)
}

// drive steps the run until it reaches a terminal status.
func (p *Pipeline) drive(ctx context.Context, r *run) {
	defer func() {
		p.selector.Release(r.state.OperationID)
		p.mu.Lock()
		delete(p.runs, r.state.OperationID)
		p.mu.Unlock()
	}()

	for !r.state.Status.IsTerminal() {
		p.step(ctx, r)
	}

	elapsed := time.Since(r.state.StartedAt)
	p.metrics.ObserveProvisioning(string(r.state.Status), elapsed)
	r.logger.Info("Cluster provisioning finished",
		zap.String("status", string(r.state.Status)),
		zap.Duration("duration", elapsed),
		zap.String("error", r.state.Error),
		zap.Any("placement", p.selector.Assignments(r.state.OperationID)),
	)
}

// step advances the run by one stage.
func (p *Pipeline) step(ctx context.Context, r *run) {
	status := r.state.Status
	if status != domain.ProvisioningRollingBack && r.cancelled.Load() {
		p.finish(ctx, r, domain.ProvisioningCancelled, "cancelled")
		return
	}

	switch status {
	case domain.ProvisioningValidating:
		if r.state.Spec.Options.DryRun {
			p.finish(ctx, r, domain.ProvisioningCompleted, "")
			return
		}
		p.transition(ctx, r, domain.ProvisioningProvisioning)

	case domain.ProvisioningProvisioning:
		p.provisionNodes(ctx, r)
		if ctx.Err() != nil {
			r.interrupted = r.pendingNodes()
		}
		failed := len(r.failures) > 0 || r.interrupted > 0
		switch {
		case failed && r.state.Spec.Options.RollbackStrategy == domain.RollbackFull:
			p.transition(ctx, r, domain.ProvisioningRollingBack)
		case failed:
			p.finish(ctx, r, domain.ProvisioningFailed, r.failureMessage())
		case r.cancelled.Load():
			p.finish(ctx, r, domain.ProvisioningCancelled, "cancelled")
		default:
			p.transition(ctx, r, domain.ProvisioningConfiguringNetwork)
		}

	case domain.ProvisioningRollingBack:
		p.rollback(ctx, r)
		p.finish(ctx, r, domain.ProvisioningRolledBack, r.failureMessage())

	case domain.ProvisioningConfiguringNetwork:
		// Network configuration is handled outside this pipeline.
		p.transition(ctx, r, domain.ProvisioningPostProvisioning)

	case domain.ProvisioningPostProvisioning:
		p.finish(ctx, r, domain.ProvisioningCompleted, "")

	default:
		p.finish(ctx, r, domain.ProvisioningFailed, fmt.Sprintf("unexpected status %s", status))
	}
}

func (p *Pipeline) transition(ctx context.Context, r *run, status domain.ProvisioningStatus) {
	r.mu.Lock()
	r.state.Status = status
	snapshot := r.state.Clone()
	r.mu.Unlock()

	p.states.Put(context.WithoutCancel(ctx), snapshot.OperationID, snapshot)
	r.logger.Debug("Provisioning stage", zap.String("status", string(status)))
}

func (p *Pipeline) finish(ctx context.Context, r *run, status domain.ProvisioningStatus, message string) {
	r.mu.Lock()
	now := time.Now()
	r.state.Status = status
	r.state.EndedAt = &now
	r.state.Error = message
	if status == domain.ProvisioningCompleted {
		r.state.Progress = 100
	}
	snapshot := r.state.Clone()
	r.mu.Unlock()

	p.states.Put(context.WithoutCancel(ctx), snapshot.OperationID, snapshot)
}

// provisionNodes creates every planned node. Sequential mode stops issuing
// nodes after the first failure; parallel mode runs them all.
func (p *Pipeline) provisionNodes(ctx context.Context, r *run) {
	if !r.state.Spec.Options.ParallelProvisioning {
		for _, n := range r.plan {
			if r.cancelled.Load() || ctx.Err() != nil {
				return
			}
			if err := p.provisionNode(ctx, r, n); err != nil {
				return
			}
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(p.config.MaxParallel)
	for _, n := range r.plan {
		g.Go(func() error {
			if r.cancelled.Load() || ctx.Err() != nil {
				return nil
			}
			_ = p.provisionNode(ctx, r, n)
			return nil
		})
	}
	_ = g.Wait()
}

// provisionNode runs one node through ALLOCATING_RESOURCES, CREATING_VM,
// CONFIGURING and READY. Failures are recorded on the node and the run.
func (p *Pipeline) provisionNode(ctx context.Context, r *run, n plannedNode) error {
	spec := &r.state.Spec
	logger := r.logger.With(zap.String("node", n.name))
	started := time.Now()

	p.updateNode(ctx, r, n.name, func(s *domain.NodeProvisioningState) {
		s.Status = domain.NodeAllocatingResources
		s.StartedAt = &started
	})

	host, err := p.selector.SelectHost(ctx, r.state.OperationID, n.group.Name, n.index-1, spec.Placement)
	if err != nil {
		return p.failNode(ctx, r, n, fmt.Errorf("placement failed: %w", err))
	}

	vmid, err := p.allocateVMID(ctx, spec.Options.VMIDStart, n.ordinal)
	if err != nil {
		return p.failNode(ctx, r, n, fmt.Errorf("vm id allocation failed: %w", err))
	}
	defer p.releaseVMID(vmid)

	params := p.createParams(spec, n, vmid)
	p.updateNode(ctx, r, n.name, func(s *domain.NodeProvisioningState) {
		s.Status = domain.NodeCreatingVM
		s.Host = host
		s.VMID = vmid
		if n.ip.IsValid() {
			s.IPAddress = n.ip.Addr().String()
		}
	})
	logger.Info("Creating VM", zap.String("host", host), zap.Int("vmid", vmid))

	if err := p.runTask(ctx, host, func() (string, error) {
		return p.hypervisor.CreateVM(ctx, host, params)
	}); err != nil {
		return p.failNode(ctx, r, n, fmt.Errorf("failed to create vm %d on %s: %w", vmid, host, err))
	}

	p.updateNode(ctx, r, n.name, func(s *domain.NodeProvisioningState) {
		s.Status = domain.NodeConfiguring
	})
	if spec.Options.StartAfterCreate {
		if err := p.runTask(ctx, host, func() (string, error) {
			return p.hypervisor.StartVM(ctx, host, vmid)
		}); err != nil {
			return p.failNode(ctx, r, n, fmt.Errorf("failed to start vm %d: %w", vmid, err))
		}
	}

	p.updateNode(ctx, r, n.name, func(s *domain.NodeProvisioningState) {
		s.Status = domain.NodeReady
	})
	p.metrics.ObserveProvisionedNode(string(domain.NodeReady))
	logger.Info("Node ready", zap.Duration("duration", time.Since(started)))
	return nil
}

func (p *Pipeline) failNode(ctx context.Context, r *run, n plannedNode, err error) error {
	r.mu.Lock()
	r.failures = append(r.failures, fmt.Errorf("%s: %w", n.name, err))
	r.mu.Unlock()

	p.updateNode(ctx, r, n.name, func(s *domain.NodeProvisioningState) {
		s.Status = domain.NodeFailed
		s.Error = err.Error()
	})
	p.metrics.ObserveProvisionedNode(string(domain.NodeFailed))
	r.logger.Warn("Node provisioning failed", zap.String("node", n.name), zap.Error(err))
	return err
}

// updateNode mutates one node state, recomputes progress and publishes a snapshot.
func (p *Pipeline) updateNode(ctx context.Context, r *run, name string, mutate func(*domain.NodeProvisioningState)) {
	r.mu.Lock()
	node := r.state.Nodes[name]
	mutate(node)
	node.UpdatedAt = time.Now()
	r.state.Progress = progress(r.state)
	snapshot := r.state.Clone()
	r.mu.Unlock()

	p.states.Put(context.WithoutCancel(ctx), snapshot.OperationID, snapshot)
}

// rollback deletes every READY node. Failures are logged and not retried.
func (p *Pipeline) rollback(ctx context.Context, r *run) {
	// Deletion must not be cut short by shutdown.
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	var ready []domain.NodeProvisioningState
	for _, n := range r.plan {
		if s := r.state.Nodes[n.name]; s.Status == domain.NodeReady {
			ready = append(ready, *s)
		}
	}
	r.mu.Unlock()

	r.logger.Info("Rolling back provisioned nodes", zap.Int("nodes", len(ready)))
	for _, s := range ready {
		p.updateNode(ctx, r, s.Name, func(n *domain.NodeProvisioningState) {
			n.Status = domain.NodeDeleting
		})

		err := p.runTask(ctx, s.Host, func() (string, error) {
			return p.hypervisor.DeleteVM(ctx, s.Host, s.VMID)
		})
		if err != nil {
			r.logger.Warn("Rollback delete failed",
				zap.String("node", s.Name),
				zap.Int("vmid", s.VMID),
				zap.Error(err),
			)
			p.updateNode(ctx, r, s.Name, func(n *domain.NodeProvisioningState) {
				n.Status = domain.NodeFailed
				n.Error = fmt.Sprintf("rollback delete failed: %v", err)
			})
			continue
		}
		p.updateNode(ctx, r, s.Name, func(n *domain.NodeProvisioningState) {
			n.Status = domain.NodeDeleted
		})
	}
}

func (p *Pipeline) createParams(spec *domain.ClusterSpec, n plannedNode, vmid int) domain.CreateVMParams {
	g := n.group
	cloudInit := domain.CloudInit{}
	if spec.Options.CloudInit != nil {
		cloudInit = cloudInit.Merge(spec.Options.CloudInit)
	}
	cloudInit = cloudInit.Merge(g.CloudInit)
	if cloudInit.SearchDomain == "" {
		cloudInit.SearchDomain = spec.Options.Domain
	}

	storage := g.Storage
	if storage == "" {
		storage = p.config.DefaultStorage
	}
	bridge := g.Bridge
	if bridge == "" {
		bridge = p.config.DefaultBridge
	}

	tags := append([]string{"cluster-" + spec.Name, "group-" + g.Name}, g.Tags...)

	return domain.CreateVMParams{
		VMID:      vmid,
		Name:      n.name,
		Cores:     g.Cores,
		MemoryMiB: g.MemoryMiB,
		DiskGiB:   g.DiskGiB,
		Storage:   storage,
		Bridge:    bridge,
		VLAN:      g.VLAN,
		IPConfig:  ipConfig(n.ip, g.Gateway),
		Tags:      tags,
		CloudInit: cloudInit,
	}
}

// allocateVMID returns start+ordinal for explicit ranges, or asks the
// hypervisor for a free id while skipping ids reserved by in-flight creates.
func (p *Pipeline) allocateVMID(ctx context.Context, start, ordinal int) (int, error) {
	if start > 0 {
		return start + ordinal, nil
	}

	p.allocMu.Lock()
	defer p.allocMu.Unlock()

	id, err := p.hypervisor.NextVMID(ctx)
	if err != nil {
		return 0, err
	}
	for p.reserved[id] {
		id++
	}
	p.reserved[id] = true
	return id, nil
}

func (p *Pipeline) releaseVMID(id int) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	delete(p.reserved, id)
}

// runTask submits a task and polls it until it finishes.
func (p *Pipeline) runTask(ctx context.Context, node string, submit func() (string, error)) error {
	upid, err := submit()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()
	for {
		status, err := p.hypervisor.TaskStatus(ctx, node, upid)
		if err == nil && status.Finished() {
			if !status.Succeeded() {
				return errors.New(status.ExitStatus)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func progress(state *domain.ClusterProvisioningState) int {
	if len(state.Nodes) == 0 {
		return 0
	}
	resolved := 0
	for _, n := range state.Nodes {
		switch n.Status {
		case domain.NodeReady, domain.NodeFailed, domain.NodeDeleting, domain.NodeDeleted:
			resolved++
		}
	}
	return resolved * 100 / len(state.Nodes)
}

func (r *run) pendingNodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := 0
	for _, n := range r.state.Nodes {
		if n.Status == domain.NodePending {
			pending++
		}
	}
	return pending
}

func (r *run) failureMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := failureMessage(r.failures)
	if r.interrupted == 0 {
		return msg
	}
	interrupted := fmt.Sprintf("provisioning interrupted: %d nodes not started", r.interrupted)
	if msg == "" {
		return interrupted
	}
	return interrupted + "; " + msg
}

func failureMessage(failures []error) string {
	if len(failures) == 0 {
		return ""
	}
	return fmt.Sprintf("%d nodes failed: %v", len(failures), failures[0])
}
