package provisioning

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/limiquantix/orchestrator/internal/domain"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// plannedNode is one VM of a run, fixed at validation time.
type plannedNode struct {
	name string
	// ordinal is the position across the whole spec; index is 1-based within the group.
	ordinal int
	index   int
	group   *domain.NodeGroup
	ip      netip.Prefix
}

// Validate checks a cluster spec. All errors wrap domain.ErrValidation.
func Validate(spec *domain.ClusterSpec) error {
	_, err := plan(spec, DefaultConfig().HostnamePattern)
	return err
}

// plan validates spec and expands it into one entry per node in group order.
func plan(spec *domain.ClusterSpec, defaultPattern string) ([]plannedNode, error) {
	if spec == nil {
		return nil, domain.Validationf("cluster spec is required")
	}
	if !namePattern.MatchString(spec.Name) {
		return nil, domain.Validationf("cluster name %q must be a valid hostname label", spec.Name)
	}
	if len(spec.NodeGroups) == 0 {
		return nil, domain.Validationf("at least one node group is required")
	}
	if !spec.Placement.AntiAffinity.Valid() {
		return nil, domain.Validationf("unknown anti-affinity strategy %q", spec.Placement.AntiAffinity)
	}
	switch spec.Options.RollbackStrategy {
	case "", domain.RollbackFull, domain.RollbackNone:
	default:
		return nil, domain.Validationf("unknown rollback strategy %q", spec.Options.RollbackStrategy)
	}
	if spec.Options.VMIDStart != 0 && spec.Options.VMIDStart < 100 {
		return nil, domain.Validationf("vmid_start must be at least 100")
	}

	pattern := spec.Options.HostnamePattern
	if pattern == "" {
		pattern = defaultPattern
	}

	var (
		nodes  []plannedNode
		groups = make(map[string]bool)
		names  = make(map[string]bool)
	)
	for gi := range spec.NodeGroups {
		g := &spec.NodeGroups[gi]
		if !namePattern.MatchString(g.Name) {
			return nil, domain.Validationf("node group name %q must be a valid hostname label", g.Name)
		}
		if groups[g.Name] {
			return nil, domain.Validationf("duplicate node group %q", g.Name)
		}
		groups[g.Name] = true
		if g.Count < 1 {
			return nil, domain.Validationf("node group %s: count must be at least 1", g.Name)
		}
		if g.Cores < 0 || g.MemoryMiB < 0 || g.DiskGiB < 0 {
			return nil, domain.Validationf("node group %s: resources must not be negative", g.Name)
		}
		if g.VLAN < 0 || g.VLAN > 4094 {
			return nil, domain.Validationf("node group %s: vlan %d out of range", g.Name, g.VLAN)
		}
		if g.Gateway != "" {
			if _, err := netip.ParseAddr(g.Gateway); err != nil {
				return nil, domain.Validationf("node group %s: invalid gateway %q", g.Name, g.Gateway)
			}
		}

		var start netip.Prefix
		if g.IPStart != "" {
			var err error
			start, err = parseIPStart(g.IPStart)
			if err != nil {
				return nil, domain.Validationf("node group %s: %v", g.Name, err)
			}
		}

		for i := 1; i <= g.Count; i++ {
			name := Hostname(pattern, spec.Name, g.Name, i)
			if !namePattern.MatchString(name) {
				return nil, domain.Validationf("hostname %q is not a valid hostname label", name)
			}
			if names[name] {
				return nil, domain.Validationf("hostname pattern %q produces duplicate name %q", pattern, name)
			}
			names[name] = true

			node := plannedNode{name: name, ordinal: len(nodes), index: i, group: g}
			if start.IsValid() {
				ip, err := nthAddr(start, i-1)
				if err != nil {
					return nil, domain.Validationf("node group %s: %v", g.Name, err)
				}
				node.ip = ip
			}
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// Hostname expands pattern for one node. index is 1-based.
func Hostname(pattern, cluster, group string, index int) string {
	return strings.NewReplacer(
		"{cluster}", cluster,
		"{group}", group,
		"{index}", strconv.Itoa(index),
	).Replace(pattern)
}

// parseIPStart accepts "10.0.0.10/24" or a bare address, which gets a host prefix.
func parseIPStart(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid ip_start %q", s)
		}
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip_start %q", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// nthAddr returns the address n steps after start's address, keeping its prefix length.
func nthAddr(start netip.Prefix, n int) (netip.Prefix, error) {
	addr := start.Addr()
	for i := 0; i < n; i++ {
		addr = addr.Next()
		if !addr.IsValid() {
			return netip.Prefix{}, fmt.Errorf("address range starting at %s overflows", start.Addr())
		}
	}
	if start.Bits() < addr.BitLen() && !start.Masked().Contains(addr) {
		return netip.Prefix{}, fmt.Errorf("address %s is outside %s", addr, start.Masked())
	}
	return netip.PrefixFrom(addr, start.Bits()), nil
}

// ipConfig renders the cloud-init network setting of a node.
func ipConfig(ip netip.Prefix, gateway string) string {
	if !ip.IsValid() {
		return "ip=dhcp"
	}
	cfg := "ip=" + ip.String()
	if gateway != "" {
		cfg += ",gw=" + gateway
	}
	return cfg
}
