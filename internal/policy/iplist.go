package policy

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
)

// IPList is a set of addresses and CIDR prefixes.
type IPList struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
}

// ParseIPList accepts conditions of the form `ip in ["10.0.0.1", "192.168.0.0/16"]`.
// The `ip in` head is optional so a bare JSON array is also accepted.
func ParseIPList(cond string) (*IPList, error) {
	body := strings.TrimSpace(cond)
	if rest, ok := strings.CutPrefix(body, "ip"); ok {
		rest = strings.TrimSpace(rest)
		if rest, ok = strings.CutPrefix(rest, "in"); !ok {
			return nil, fmt.Errorf("%w: expected `ip in [...]`", ErrInvalidPolicy)
		}
		body = strings.TrimSpace(rest)
	}
	var entries []string
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, fmt.Errorf("%w: ip list: %v", ErrInvalidPolicy, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: ip list is empty", ErrInvalidPolicy)
	}
	list := &IPList{addrs: make(map[netip.Addr]struct{}, len(entries))}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: ip list entry %q: %v", ErrInvalidPolicy, raw, err)
			}
			list.prefixes = append(list.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: ip list entry %q: %v", ErrInvalidPolicy, raw, err)
		}
		list.addrs[addr.Unmap()] = struct{}{}
	}
	return list, nil
}

// Contains reports whether addr matches an entry. IPv4-mapped IPv6 addresses
// match their IPv4 form.
func (l *IPList) Contains(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if _, ok := l.addrs[addr]; ok {
		return true
	}
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
