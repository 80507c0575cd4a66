package authexternal

import "net"

// CIDRWhitelist is the default IPWhitelist: a fixed list of allowed CIDR
// blocks, typically loopback and the local subnet in a single-host
// deployment.
type CIDRWhitelist struct {
	nets []*net.IPNet
}

// NewCIDRWhitelist parses each CIDR string, silently skipping ones that
// fail to parse (this package stays free of the logger).
func NewCIDRWhitelist(cidrs []string) *CIDRWhitelist {
	w := &CIDRWhitelist{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		w.nets = append(w.nets, n)
	}
	return w
}

// Allowed reports whether ip falls within any configured block. An empty
// whitelist allows everything, matching a disabled-by-default posture for
// single-user deployments.
func (w *CIDRWhitelist) Allowed(ip net.IP) bool {
	if len(w.nets) == 0 {
		return true
	}
	for _, n := range w.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
