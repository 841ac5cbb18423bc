// Package geofence matches a request's network origin against the network ranges of
// the labs assigned to a quiz.
package geofence

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"quiz-access-service/internal/domain"
)

// IsInAssignedSubnet reports whether origin falls inside at least one range of the
// assigned labs. No labs means no restriction. A missing or unparseable origin never
// matches a restricted quiz.
func IsInAssignedSubnet(labs []domain.Lab, origin string) bool {
	if len(labs) == 0 {
		return true
	}
	_, ok := Match(labs, origin)
	return ok
}

// Match returns the first lab whose ranges contain origin.
func Match(labs []domain.Lab, origin string) (domain.Lab, bool) {
	addr, ok := ParseOrigin(origin)
	if !ok {
		return domain.Lab{}, false
	}
	for _, lab := range labs {
		for _, raw := range lab.Ranges {
			r, err := parseRange(raw)
			if err != nil {
				// reported by access.Validate
				continue
			}
			if r.contains(addr) {
				return lab, true
			}
		}
	}
	return domain.Lab{}, false
}

// ParseOrigin accepts "ip", "ip:port" and "[ipv6]:port" forms.
func ParseOrigin(origin string) (netip.Addr, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(origin); err == nil {
		return normalize(ap.Addr()), true
	}
	addr, err := netip.ParseAddr(strings.Trim(origin, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return normalize(addr), true
}

// ValidateRange reports whether raw is a CIDR prefix, a single address or a
// "first-last" address range.
func ValidateRange(raw string) error {
	_, err := parseRange(raw)
	return err
}

type addrRange struct {
	first netip.Addr
	last  netip.Addr
}

func (r addrRange) contains(addr netip.Addr) bool {
	if addr.BitLen() != r.first.BitLen() {
		return false
	}
	return addr.Compare(r.first) >= 0 && addr.Compare(r.last) <= 0
}

var errEmptyRange = errors.New("empty range")

func parseRange(raw string) (addrRange, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return addrRange{}, errEmptyRange
	case strings.Contains(raw, "/"):
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return addrRange{}, err
		}
		return prefixRange(prefix), nil
	case strings.Contains(raw, "-"):
		lo, hi, _ := strings.Cut(raw, "-")
		first, err := netip.ParseAddr(strings.TrimSpace(lo))
		if err != nil {
			return addrRange{}, err
		}
		last, err := netip.ParseAddr(strings.TrimSpace(hi))
		if err != nil {
			return addrRange{}, err
		}
		first, last = normalize(first), normalize(last)
		if first.BitLen() != last.BitLen() {
			return addrRange{}, fmt.Errorf("mixed address families in %q", raw)
		}
		if first.Compare(last) > 0 {
			return addrRange{}, fmt.Errorf("range start after end in %q", raw)
		}
		return addrRange{first: first, last: last}, nil
	default:
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return addrRange{}, err
		}
		addr = normalize(addr)
		return addrRange{first: addr, last: addr}, nil
	}
}

func prefixRange(prefix netip.Prefix) addrRange {
	addr, bits := prefix.Addr(), prefix.Bits()
	if addr.Is4In6() && bits >= 96 {
		addr, bits = addr.Unmap(), bits-96
	}
	prefix = netip.PrefixFrom(addr, bits).Masked()
	first := prefix.Addr()
	raw := first.AsSlice()
	for i := range raw {
		hostBits := bits - i*8
		switch {
		case hostBits >= 8:
			continue
		case hostBits <= 0:
			raw[i] = 0xff
		default:
			raw[i] |= 0xff >> hostBits
		}
	}
	last, _ := netip.AddrFromSlice(raw)
	return addrRange{first: first, last: last}
}

func normalize(addr netip.Addr) netip.Addr {
	return addr.WithZone("").Unmap()
}
