package ports

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/emufleet/emufleet/api/pkg/config"
	"github.com/emufleet/emufleet/api/pkg/types"
)

// ProbeFunc reports whether a port looks free on the host. The default probe
// attempts a live bind; a port is busy only when the bind fails on both the
// wildcard and loopback addresses, which catches orphans left behind by a
// previous process lifetime that the lease table knows nothing about.
type ProbeFunc func(port int) bool

// Allocator hands out non-conflicting ports from disjoint reserved ranges.
// Each range has its own mutex so concurrent create requests for different
// port classes never serialize against each other.
type Allocator struct {
	ranges map[types.PortTag]*rangeTable
	probe  ProbeFunc
}

type rangeTable struct {
	mu     sync.Mutex
	bounds config.PortRange
	leases map[int]*types.PortLease
}

func NewAllocator(cfg config.PortRanges) *Allocator {
	return NewAllocatorWithProbe(cfg, BindProbe)
}

func NewAllocatorWithProbe(cfg config.PortRanges, probe ProbeFunc) *Allocator {
	ranges := make(map[types.PortTag]*rangeTable)
	for tag, bounds := range cfg.Table() {
		ranges[tag] = &rangeTable{
			bounds: bounds,
			leases: make(map[int]*types.PortLease),
		}
	}
	return &Allocator{ranges: ranges, probe: probe}
}

// BindProbe considers a port free if it can be bound on either the wildcard
// or the loopback address.
func BindProbe(port int) bool {
	for _, host := range []string{"", "127.0.0.1"} {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			_ = ln.Close()
			return true
		}
	}
	return false
}

// Allocate scans the tag's range in increasing order and reserves the first
// port that has no lease and passes the host probe. Scanning is bounded by
// the range size before declaring exhaustion.
func (a *Allocator) Allocate(tag types.PortTag, owner string) (int, error) {
	table, ok := a.ranges[tag]
	if !ok {
		return 0, fmt.Errorf("unknown port range %q", tag)
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	for port := table.bounds.Low; port <= table.bounds.High; port++ {
		if _, leased := table.leases[port]; leased {
			continue
		}
		if !a.probe(port) {
			log.Debug().Int("port", port).Str("range", string(tag)).Msg("port busy outside registry, skipping")
			continue
		}
		table.leases[port] = &types.PortLease{
			Port:  port,
			Tag:   tag,
			Owner: owner,
			State: types.LeaseStateReserved,
		}
		return port, nil
	}
	return 0, fmt.Errorf("range %s [%d, %d]: %w", tag, table.bounds.Low, table.bounds.High, types.ErrAllocationExhausted)
}

// Reserve records a lease for a specific port, used to pre-reserve the static
// ports of predefined containers at startup. The port may sit outside the
// tag's dynamic scan window; it still gets a lease so the two numbering
// schemes share one reservation authority.
func (a *Allocator) Reserve(tag types.PortTag, port int, owner string) error {
	table, ok := a.ranges[tag]
	if !ok {
		return fmt.Errorf("unknown port range %q", tag)
	}

	table.mu.Lock()
	defer table.mu.Unlock()

	if existing, leased := table.leases[port]; leased {
		if existing.Owner == owner {
			return nil
		}
		return fmt.Errorf("port %d in range %s already leased to %s", port, tag, existing.Owner)
	}
	table.leases[port] = &types.PortLease{
		Port:  port,
		Tag:   tag,
		Owner: owner,
		State: types.LeaseStateReserved,
	}
	return nil
}

// MarkBound flips all of an owner's leases to Bound, once the backing
// container or process actually holds the ports.
func (a *Allocator) MarkBound(owner string) {
	for _, table := range a.ranges {
		table.mu.Lock()
		for _, lease := range table.leases {
			if lease.Owner == owner {
				lease.State = types.LeaseStateBound
			}
		}
		table.mu.Unlock()
	}
}

// Release frees a single port, whichever range holds it.
func (a *Allocator) Release(port int) {
	for _, table := range a.ranges {
		table.mu.Lock()
		if _, leased := table.leases[port]; leased {
			delete(table.leases, port)
			table.mu.Unlock()
			return
		}
		table.mu.Unlock()
	}
}

// ReleaseOwned frees every lease held by an owner, across all ranges.
func (a *Allocator) ReleaseOwned(owner string) {
	for _, table := range a.ranges {
		table.mu.Lock()
		for port, lease := range table.leases {
			if lease.Owner == owner {
				delete(table.leases, port)
			}
		}
		table.mu.Unlock()
	}
}

// Lookup returns the lease for a port, if any.
func (a *Allocator) Lookup(port int) (types.PortLease, bool) {
	for _, table := range a.ranges {
		table.mu.Lock()
		if lease, leased := table.leases[port]; leased {
			copied := *lease
			table.mu.Unlock()
			return copied, true
		}
		table.mu.Unlock()
	}
	return types.PortLease{}, false
}

// Leases snapshots every lease, for diagnostics.
func (a *Allocator) Leases() []types.PortLease {
	var out []types.PortLease
	for _, table := range a.ranges {
		table.mu.Lock()
		for _, lease := range table.leases {
			out = append(out, *lease)
		}
		table.mu.Unlock()
	}
	return out
}
