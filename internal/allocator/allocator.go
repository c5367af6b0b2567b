// Package allocator assigns host addresses inside a fixed IPv4 range.
//
// Grounded on original_source/app/wg.py's allocate_ip (linear scan,
// smallest-free-index tie-break) and styled after
// ketan-10-arbok's internal/registry/ippool.go (a dedicated small type with
// its own error, rather than a free function returning a bare error string).
package allocator

import (
	"errors"
	"fmt"
	"net"
)

// ErrExhausted is returned when no address remains free in the range.
var ErrExhausted = errors.New("address range exhausted")

// Range describes a fixed IPv4 subnet with a reserved base address and a
// closed integer host range [Start, End], both ends inclusive, scanned in
// order so allocation is deterministic.
type Range struct {
	Subnet *net.IPNet
	Start  int
	End    int
}

// NewRange parses cidr and builds a Range with the given inclusive host
// bounds. Returns an error if cidr is malformed or start > end.
func NewRange(cidr string, start, end int) (*Range, error) {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("allocator: invalid subnet %q: %w", cidr, err)
	}
	if start > end {
		return nil, fmt.Errorf("allocator: start %d is after end %d", start, end)
	}
	return &Range{Subnet: subnet, Start: start, End: end}, nil
}

// hostAddress returns the subnet address with its last octet replaced by i.
// Only correct for the /24-scale ranges this control plane targets.
func (r *Range) hostAddress(i int) string {
	ip := make(net.IP, len(r.Subnet.IP))
	copy(ip, r.Subnet.IP)
	ip[len(ip)-1] = byte(i)
	return ip.String()
}

// Allocate scans host indices from Start to End inclusive and returns the
// first address absent from used. Pure: no side effects, no mutation of
// used. Tie-break is smallest free index, matching original_source's
// allocate_ip and giving deterministic, test-stable allocation order.
func (r *Range) Allocate(used map[string]bool) (string, error) {
	for i := r.Start; i <= r.End; i++ {
		candidate := r.hostAddress(i)
		if !used[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("allocator: %w", ErrExhausted)
}
