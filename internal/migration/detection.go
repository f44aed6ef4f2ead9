package migration

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/domain"
)

// Detection methods reported in LocalDiskResult.DetectionMethod.
const (
	DetectionStorageAPI = "storage-api"
	DetectionHeuristic  = "heuristic"
	DetectionDefault    = "default"
	DetectionOverride   = "override"
	DetectionNone       = "none"
)

// LocalDiskResult is the outcome of local-disk detection for one VM.
type LocalDiskResult struct {
	HasLocalDisks     bool               `json:"has_local_disks"`
	LocalStoragePools []string           `json:"local_storage_pools,omitempty"`
	DetectionMethod   string             `json:"detection_method"`
	Disks             []domain.DiskEntry `json:"disks,omitempty"`
}

// DetectLocalDisks reports whether any disk of the VM lives on node-local
// storage. Pools are resolved through the storage API; pools it cannot
// resolve are matched against the heuristic patterns, and with the heuristic
// disabled they are assumed shared.
//
// Assuming shared is fail-open: a local pool that neither the API nor the
// heuristic recognizes is migrated as if it were shared, and the VM may find
// its disk missing on the target. Every such decision is logged at error level.
//
// The returned error is non-nil only when the VM configuration itself could
// not be read; the result is then the fail-open default.
func (o *Orchestrator) DetectLocalDisks(ctx context.Context, node string, vmid int) (*LocalDiskResult, error) {
	logger := o.logger.With(zap.Int("vmid", vmid), zap.String("node", node))

	cfg, err := o.hypervisor.GetVMConfig(ctx, node, vmid)
	if err != nil {
		logger.Error("Local-disk detection could not read VM config, assuming no local disks",
			zap.Error(err),
		)
		result := &LocalDiskResult{DetectionMethod: DetectionDefault}
		o.metrics.ObserveDetection(result.DetectionMethod, false)
		return result, err
	}

	result := &LocalDiskResult{Disks: cfg.Disks()}
	pools := cfg.StoragePools()
	if len(pools) == 0 {
		result.DetectionMethod = DetectionNone
		o.metrics.ObserveDetection(result.DetectionMethod, false)
		return result, nil
	}

	known, err := o.storage.Pools(ctx)
	if err != nil {
		logger.Warn("Storage API unavailable for local-disk detection", zap.Error(err))
		known = nil
	}

	var unresolved []string
	for _, pool := range pools {
		def, ok := known[pool]
		if !ok {
			unresolved = append(unresolved, pool)
			continue
		}
		if !def.Shared {
			result.LocalStoragePools = append(result.LocalStoragePools, pool)
		}
	}

	switch {
	case len(unresolved) == 0:
		result.DetectionMethod = DetectionStorageAPI

	case o.config.HeuristicEnabled && len(o.config.HeuristicPatterns) > 0:
		result.DetectionMethod = DetectionHeuristic
		for _, pool := range unresolved {
			if matchesHeuristic(pool, o.config.HeuristicPatterns) {
				result.LocalStoragePools = append(result.LocalStoragePools, pool)
			}
		}
		logger.Info("Resolved storage pools by name heuristic",
			zap.Strings("pools", unresolved),
			zap.Strings("patterns", o.config.HeuristicPatterns),
		)

	default:
		result.DetectionMethod = DetectionDefault
		logger.Error("Could not determine whether storage pools are shared, assuming shared; "+
			"migration proceeds without local-disk handling and data on local pools may be unavailable on the target",
			zap.Strings("pools", unresolved),
		)
	}

	result.LocalStoragePools = orderLike(result.LocalStoragePools, pools)
	result.HasLocalDisks = len(result.LocalStoragePools) > 0
	o.metrics.ObserveDetection(result.DetectionMethod, result.HasLocalDisks)

	logger.Debug("Local-disk detection finished",
		zap.Bool("has_local_disks", result.HasLocalDisks),
		zap.Strings("local_pools", result.LocalStoragePools),
		zap.String("method", result.DetectionMethod),
	)
	return result, nil
}

func matchesHeuristic(pool string, patterns []string) bool {
	lower := strings.ToLower(pool)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// orderLike returns the members of subset in the order they appear in order.
func orderLike(subset, order []string) []string {
	if len(subset) == 0 {
		return nil
	}
	in := make(map[string]bool, len(subset))
	for _, s := range subset {
		in[s] = true
	}
	result := make([]string, 0, len(subset))
	for _, s := range order {
		if in[s] {
			result = append(result, s)
		}
	}
	return result
}
