// Package fake provides an in-memory hypervisor cluster for tests and local
// development. Tasks complete when polled; hooks inject failures.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Hooks inject behavior into task execution. A hook returning an error makes
// the task finish with that error as exit status and skips its effect. Hooks
// run with the cluster lock held and may mutate the VM they receive.
type Hooks struct {
	Migrate    func(vm *domain.VirtualMachine, params domain.MigrateParams) error
	Start      func(vm *domain.VirtualMachine) error
	Stop       func(vm *domain.VirtualMachine) error
	Create     func(node string, params domain.CreateVMParams) error
	Delete     func(vm *domain.VirtualMachine) error
	NodeStatus func(node string) error
	Storage    func() error
}

type node struct {
	name   string
	status string
	usage  domain.NodeStatus
}

type vm struct {
	info   domain.VirtualMachine
	config domain.VMConfig
}

type task struct {
	status  domain.TaskStatus
	polls   int
	execute func() error
}

// Cluster is an in-memory hypervisor.
type Cluster struct {
	mu      sync.Mutex
	nodes   map[string]*node
	vms     map[int]*vm
	storage []domain.StoragePool
	tasks   map[string]*task
	seq     int
	hooks   Hooks

	// TaskPolls is the number of "running" answers a task gives before it finishes.
	TaskPolls int

	migrations []MigrateCall
	created    []domain.CreateVMParams
	deleted    []int
	started    []int
	stopped    []int
}

// MigrateCall records a submitted migration.
type MigrateCall struct {
	VMID   int
	Source string
	Params domain.MigrateParams
}

// NewCluster creates an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		nodes: make(map[string]*node),
		vms:   make(map[int]*vm),
		tasks: make(map[string]*task),
	}
}

// NewDevCluster creates a small seeded cluster for development mode.
func NewDevCluster() *Cluster {
	c := NewCluster()
	c.AddNode("pve1", 0.20, 8<<30, 64<<30)
	c.AddNode("pve2", 0.35, 16<<30, 64<<30)
	c.AddNode("pve3", 0.10, 4<<30, 64<<30)
	c.AddStorage(domain.StoragePool{ID: "local-lvm", Type: "lvmthin"})
	c.AddStorage(domain.StoragePool{ID: "ceph", Type: "rbd", Shared: true})
	c.AddVM(domain.VirtualMachine{ID: 100, Name: "db-1", Node: "pve1", Status: domain.VMStateRunning, Tags: []string{domain.TagAlwaysOn}},
		domain.VMConfig{"scsi0": "ceph:vm-100-disk-0,size=32G"})
	c.AddVM(domain.VirtualMachine{ID: 101, Name: "build-1", Node: "pve1", Status: domain.VMStateRunning, Tags: []string{domain.TagMaintOK}},
		domain.VMConfig{"scsi0": "local-lvm:vm-101-disk-0,size=16G"})
	c.AddVM(domain.VirtualMachine{ID: 102, Name: "web-1", Node: "pve2", Status: domain.VMStateStopped},
		domain.VMConfig{"virtio0": "ceph:vm-102-disk-0,size=8G", "ide2": "local:iso/debian.iso,media=cdrom"})
	return c
}

// SetHooks replaces the failure-injection hooks.
func (c *Cluster) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// AddNode adds an online node with the given usage.
func (c *Cluster) AddNode(name string, cpu float64, memUsed, memTotal int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name] = &node{
		name:   name,
		status: domain.NodeOnline,
		usage:  domain.NodeStatus{Node: name, CPU: cpu, MemoryUsed: memUsed, MemoryTotal: memTotal},
	}
}

// SetNodeOnline changes the reported status of a node.
func (c *Cluster) SetNodeOnline(name string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[name]; ok {
		if online {
			n.status = domain.NodeOnline
		} else {
			n.status = "offline"
		}
	}
}

// AddStorage adds a storage definition.
func (c *Cluster) AddStorage(pool domain.StoragePool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storage = append(c.storage, pool)
}

// AddVM adds a VM with its configuration.
func (c *Cluster) AddVM(info domain.VirtualMachine, config domain.VMConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vms[info.ID] = &vm{info: cloneVM(info), config: cloneConfig(config)}
}

// RemoveVM deletes a VM without a task.
func (c *Cluster) RemoveVM(vmid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vms, vmid)
}

// Migrations returns the submitted migrations in order.
func (c *Cluster) Migrations() []MigrateCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MigrateCall(nil), c.migrations...)
}

// Created returns the parameters of every submitted create task.
func (c *Cluster) Created() []domain.CreateVMParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.CreateVMParams(nil), c.created...)
}

// Deleted returns the ids of every submitted delete task.
func (c *Cluster) Deleted() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.deleted...)
}

// Started returns the ids of every submitted start task.
func (c *Cluster) Started() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.started...)
}

// Stopped returns the ids of every submitted stop task.
func (c *Cluster) Stopped() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.stopped...)
}

// ListVMs returns every VM ordered by id.
func (c *Cluster) ListVMs(_ context.Context) ([]domain.VirtualMachine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]domain.VirtualMachine, 0, len(c.vms))
	for _, v := range c.vms {
		result = append(result, cloneVM(v.info))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// GetVM returns a VM by id.
func (c *Cluster) GetVM(_ context.Context, vmid int) (*domain.VirtualMachine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vms[vmid]
	if !ok {
		return nil, domain.NotFoundf("vm %d", vmid)
	}
	info := cloneVM(v.info)
	return &info, nil
}

// GetVMConfig returns the configuration of a VM on node.
func (c *Cluster) GetVMConfig(_ context.Context, nodeName string, vmid int) (domain.VMConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vmOnNodeLocked(nodeName, vmid)
	if err != nil {
		return nil, err
	}
	return cloneConfig(v.config), nil
}

// StartVM submits a start task.
func (c *Cluster) StartVM(_ context.Context, nodeName string, vmid int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vmOnNodeLocked(nodeName, vmid)
	if err != nil {
		return "", err
	}
	c.started = append(c.started, vmid)
	return c.submitLocked(nodeName, "qmstart", vmid, func() error {
		if c.hooks.Start != nil {
			if err := c.hooks.Start(&v.info); err != nil {
				return err
			}
		}
		v.info.Status = domain.VMStateRunning
		return nil
	}), nil
}

// StopVM submits a stop task.
func (c *Cluster) StopVM(_ context.Context, nodeName string, vmid int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vmOnNodeLocked(nodeName, vmid)
	if err != nil {
		return "", err
	}
	c.stopped = append(c.stopped, vmid)
	return c.submitLocked(nodeName, "qmstop", vmid, func() error {
		if c.hooks.Stop != nil {
			if err := c.hooks.Stop(&v.info); err != nil {
				return err
			}
		}
		v.info.Status = domain.VMStateStopped
		return nil
	}), nil
}

// MigrateVM submits a migration task. Online migration of a stopped VM and
// offline migration of a running VM fail like they do on a real cluster.
func (c *Cluster) MigrateVM(_ context.Context, nodeName string, vmid int, params domain.MigrateParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vmOnNodeLocked(nodeName, vmid)
	if err != nil {
		return "", err
	}
	if _, ok := c.nodes[params.Target]; !ok {
		return "", domain.NotFoundf("node %s", params.Target)
	}
	c.migrations = append(c.migrations, MigrateCall{VMID: vmid, Source: nodeName, Params: params})
	return c.submitLocked(nodeName, "qmigrate", vmid, func() error {
		if c.hooks.Migrate != nil {
			if err := c.hooks.Migrate(&v.info, params); err != nil {
				return err
			}
		}
		if !params.Online && v.info.Status == domain.VMStateRunning {
			return fmt.Errorf("can't migrate running VM without --online")
		}
		v.info.Node = params.Target
		return nil
	}), nil
}

// TaskStatus polls a task, running its effect on the poll that finishes it.
func (c *Cluster) TaskStatus(_ context.Context, _ string, upid string) (*domain.TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[upid]
	if !ok {
		return nil, domain.NotFoundf("task %s", upid)
	}
	if !t.status.Finished() {
		if t.polls > 0 {
			t.polls--
			status := t.status
			return &status, nil
		}
		t.status.Status = "stopped"
		t.status.ExitStatus = "OK"
		if err := t.execute(); err != nil {
			t.status.ExitStatus = err.Error()
		}
	}
	status := t.status
	return &status, nil
}

// StorageConfig returns the storage definitions.
func (c *Cluster) StorageConfig(_ context.Context) ([]domain.StoragePool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks.Storage != nil {
		if err := c.hooks.Storage(); err != nil {
			return nil, err
		}
	}
	return append([]domain.StoragePool(nil), c.storage...), nil
}

// ListNodes returns every node ordered by name.
func (c *Cluster) ListNodes(_ context.Context) ([]domain.ClusterNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]domain.ClusterNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		result = append(result, domain.ClusterNode{Name: n.name, Status: n.status})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// NodeStatus returns the resource usage of a node.
func (c *Cluster) NodeStatus(_ context.Context, nodeName string) (*domain.NodeStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hooks.NodeStatus != nil {
		if err := c.hooks.NodeStatus(nodeName); err != nil {
			return nil, err
		}
	}
	n, ok := c.nodes[nodeName]
	if !ok {
		return nil, domain.NotFoundf("node %s", nodeName)
	}
	usage := n.usage
	return &usage, nil
}

// NextVMID returns the lowest unused VM id starting at 100.
func (c *Cluster) NextVMID(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := 100
	for {
		if _, used := c.vms[id]; !used {
			return id, nil
		}
		id++
	}
}

// CreateVM submits a create task. The VM id is reserved at submission.
func (c *Cluster) CreateVM(_ context.Context, nodeName string, params domain.CreateVMParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[nodeName]; !ok {
		return "", domain.NotFoundf("node %s", nodeName)
	}
	if _, exists := c.vms[params.VMID]; exists {
		return "", domain.Conflictf("vm %d already exists", params.VMID)
	}
	c.created = append(c.created, params)

	// Reserve the id so concurrent creates conflict like they do upstream.
	placeholder := &vm{info: domain.VirtualMachine{ID: params.VMID, Name: params.Name, Node: nodeName, Status: domain.VMStateStopped}}
	c.vms[params.VMID] = placeholder

	return c.submitLocked(nodeName, "qmcreate", params.VMID, func() error {
		if c.hooks.Create != nil {
			if err := c.hooks.Create(nodeName, params); err != nil {
				delete(c.vms, params.VMID)
				return err
			}
		}
		placeholder.info.Tags = append([]string(nil), params.Tags...)
		placeholder.config = domain.VMConfig{
			"scsi0": fmt.Sprintf("%s:vm-%d-disk-0,size=%dG", params.Storage, params.VMID, params.DiskGiB),
		}
		if params.Start {
			placeholder.info.Status = domain.VMStateRunning
		}
		return nil
	}), nil
}

// DeleteVM submits a delete task.
func (c *Cluster) DeleteVM(_ context.Context, nodeName string, vmid int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := c.vmOnNodeLocked(nodeName, vmid)
	if err != nil {
		return "", err
	}
	c.deleted = append(c.deleted, vmid)
	return c.submitLocked(nodeName, "qmdestroy", vmid, func() error {
		if c.hooks.Delete != nil {
			if err := c.hooks.Delete(&v.info); err != nil {
				return err
			}
		}
		delete(c.vms, vmid)
		return nil
	}), nil
}

func (c *Cluster) vmOnNodeLocked(nodeName string, vmid int) (*vm, error) {
	v, ok := c.vms[vmid]
	if !ok {
		return nil, domain.NotFoundf("vm %d", vmid)
	}
	if v.info.Node != nodeName {
		return nil, domain.NotFoundf("vm %d on node %s", vmid, nodeName)
	}
	return v, nil
}

func (c *Cluster) submitLocked(nodeName, kind string, vmid int, execute func() error) string {
	c.seq++
	upid := fmt.Sprintf("UPID:%s:%08X:%s:%d:root@pam:", nodeName, c.seq, kind, vmid)
	c.tasks[upid] = &task{
		status:  domain.TaskStatus{ID: upid, Node: nodeName, Status: "running"},
		polls:   c.TaskPolls,
		execute: execute,
	}
	return upid
}

func cloneVM(v domain.VirtualMachine) domain.VirtualMachine {
	v.Tags = append([]string(nil), v.Tags...)
	return v
}

func cloneConfig(cfg domain.VMConfig) domain.VMConfig {
	if cfg == nil {
		return domain.VMConfig{}
	}
	out := make(domain.VMConfig, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
