package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
	"github.com/limiquantix/orchestrator/internal/metrics"
)

// Selector determines which host should run a new node.
type Selector struct {
	nodes   NodeSource
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	trackers map[string]map[string]*groupAssignments
}

// groupAssignments holds the hosts already used by one node group of one
// provisioning run. Its mutex serializes selection for the group.
type groupAssignments struct {
	mu    sync.Mutex
	hosts []string
}

// New creates a new Selector instance.
func New(nodes NodeSource, config Config, m *metrics.Metrics, logger *zap.Logger) *Selector {
	if !config.DefaultAntiAffinity.Valid() || config.DefaultAntiAffinity == "" {
		config.DefaultAntiAffinity = domain.AntiAffinityNone
	}
	return &Selector{
		nodes:    nodes,
		config:   config,
		metrics:  m,
		logger:   logger.With(zap.String("component", "placement")),
		trackers: make(map[string]map[string]*groupAssignments),
	}
}

// ScoredNode is an eligible host with its availability score.
type ScoredNode struct {
	Name  string
	Score float64
}

// SelectHost picks a host for the nodeIndex-th member of group within the
// provisioning run operationID and records the assignment.
func (s *Selector) SelectHost(ctx context.Context, operationID, group string, nodeIndex int, constraints domain.PlacementConstraints) (string, error) {
	strategy := constraints.AntiAffinity
	if strategy == "" {
		strategy = s.config.DefaultAntiAffinity
	}

	logger := s.logger.With(
		zap.String("operation_id", operationID),
		zap.String("group", group),
		zap.Int("node_index", nodeIndex),
		zap.String("strategy", string(strategy)),
	)

	ga := s.group(operationID, group)
	ga.mu.Lock()
	defer ga.mu.Unlock()

	host, err := s.selectLocked(ctx, ga.hosts, nodeIndex, strategy, constraints)
	if err != nil {
		if errors.Is(err, domain.ErrPrerequisiteFailed) {
			logger.Warn("No eligible host for node", zap.Error(err))
			s.metrics.ObservePlacement(string(strategy), "rejected")
			return "", err
		}

		logger.Warn("Placement scoring failed, falling back to first online node", zap.Error(err))
		host, err = s.fallback(ctx, constraints)
		if err != nil {
			s.metrics.ObservePlacement(string(strategy), "error")
			return "", err
		}
		s.metrics.ObservePlacement(string(strategy), "fallback")
	} else {
		s.metrics.ObservePlacement(string(strategy), "selected")
	}

	ga.hosts = append(ga.hosts, host)

	logger.Info("Selected host for node", zap.String("host", host))
	return host, nil
}

func (s *Selector) selectLocked(ctx context.Context, used []string, nodeIndex int, strategy domain.AntiAffinityStrategy, constraints domain.PlacementConstraints) (string, error) {
	eligible, err := s.rank(ctx, constraints.PreferredNodes, constraints.AvoidNodes)
	if err != nil {
		return "", err
	}
	if len(eligible) == 0 {
		return "", domain.PrerequisiteFailedf("no eligible hosts (preferred=%v, avoid=%v)", constraints.PreferredNodes, constraints.AvoidNodes)
	}

	switch strategy {
	case domain.AntiAffinityHard:
		usedSet := toSet(used)
		for _, n := range eligible {
			if !usedSet[n.Name] {
				return n.Name, nil
			}
		}
		return "", domain.PrerequisiteFailedf("hard anti-affinity: all %d eligible hosts already used by this group", len(eligible))

	case domain.AntiAffinitySoft, domain.AntiAffinityZoneAware:
		counts := make(map[string]int, len(used))
		for _, h := range used {
			counts[h]++
		}
		// eligible is already ordered by score, so the first minimum wins ties.
		best := eligible[0]
		for _, n := range eligible[1:] {
			if counts[n.Name] < counts[best.Name] {
				best = n
			}
		}
		return best.Name, nil

	default:
		if nodeIndex < 0 {
			nodeIndex = -nodeIndex
		}
		return eligible[nodeIndex%len(eligible)].Name, nil
	}
}

// rank returns eligible online nodes ordered by descending availability score.
// Ties are broken by name.
func (s *Selector) rank(ctx context.Context, preferred, avoid []string) ([]ScoredNode, error) {
	nodes, err := s.nodes.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list nodes: %v", domain.ErrInternal, err)
	}

	preferredSet := toSet(preferred)
	avoidSet := toSet(avoid)

	var scored []ScoredNode
	for _, n := range nodes {
		if !n.IsOnline() || avoidSet[n.Name] {
			continue
		}
		if len(preferredSet) > 0 && !preferredSet[n.Name] {
			continue
		}
		status, err := s.nodes.NodeStatus(ctx, n.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get status of node %s: %v", domain.ErrInternal, n.Name, err)
		}
		scored = append(scored, ScoredNode{Name: n.Name, Score: status.AvailabilityScore()})
	}

	// Sort by score (highest first)
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Name < scored[j].Name
	})
	return scored, nil
}

// fallback returns the first online node not avoided, ignoring scores.
func (s *Selector) fallback(ctx context.Context, constraints domain.PlacementConstraints) (string, error) {
	nodes, err := s.nodes.ListNodes(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to list nodes: %v", domain.ErrInternal, err)
	}
	avoidSet := toSet(constraints.AvoidNodes)
	for _, n := range nodes {
		if n.IsOnline() && !avoidSet[n.Name] {
			return n.Name, nil
		}
	}
	return "", domain.NotFoundf("no online nodes available")
}

// SelectMigrationTarget returns the highest-scoring online node not in exclude.
func (s *Selector) SelectMigrationTarget(ctx context.Context, exclude []string) (string, error) {
	ranked, err := s.rank(ctx, nil, exclude)
	if err != nil {
		s.logger.Warn("Migration target scoring failed, falling back to first online node", zap.Error(err))
		return s.fallback(ctx, domain.PlacementConstraints{AvoidNodes: exclude})
	}
	if len(ranked) == 0 {
		return "", domain.PrerequisiteFailedf("no eligible migration target (excluded %v)", exclude)
	}
	return ranked[0].Name, nil
}

// Rank returns the eligible hosts for the constraints with their scores.
func (s *Selector) Rank(ctx context.Context, constraints domain.PlacementConstraints) ([]ScoredNode, error) {
	return s.rank(ctx, constraints.PreferredNodes, constraints.AvoidNodes)
}

// Assignments returns a copy of the hosts assigned per group for operationID.
func (s *Selector) Assignments(operationID string) map[string][]string {
	s.mu.Lock()
	groups := s.trackers[operationID]
	snapshot := make(map[string]*groupAssignments, len(groups))
	for name, ga := range groups {
		snapshot[name] = ga
	}
	s.mu.Unlock()

	result := make(map[string][]string, len(snapshot))
	for name, ga := range snapshot {
		ga.mu.Lock()
		result[name] = append([]string(nil), ga.hosts...)
		ga.mu.Unlock()
	}
	return result
}

// Release discards the assignment tracker of operationID.
func (s *Selector) Release(operationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trackers, operationID)
}

func (s *Selector) group(operationID, group string) *groupAssignments {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups, ok := s.trackers[operationID]
	if !ok {
		groups = make(map[string]*groupAssignments)
		s.trackers[operationID] = groups
	}
	ga, ok := groups[group]
	if !ok {
		ga = &groupAssignments{}
		groups[group] = ga
	}
	return ga
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
