package testutil

import (
	"context"
	"fmt"
	"net/netip"
)

// StaticResolver answers literal IPs directly and names from the map. It
// never touches the network.
type StaticResolver map[string][]netip.Addr

func (r StaticResolver) LookupNetIP(_ context.Context, network, host string) ([]netip.Addr, error) {
	addrs := r[host]
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	}

	var out []netip.Addr
	for _, a := range addrs {
		if network == "ip6" && (a.Is4() || a.Is4In6()) {
			continue
		}
		if network == "ip4" && !a.Unmap().Is4() {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return out, nil
}
