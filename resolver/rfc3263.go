package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/qvox/sipcore/sip"
)

// naptrService maps network names to NAPTR service fields - RFC 3263 4.1.
func naptrService(network, scheme string) string {
	switch network {
	case "udp":
		return "SIP+D2U"
	case "tls":
		return "SIPS+D2T"
	case "ws", "wss":
		return "SIP+D2W"
	default:
		if scheme == "sips" {
			return "SIPS+D2T"
		}
		return "SIP+D2T"
	}
}

func srvName(network, scheme, host string) string {
	proto := "udp"
	switch network {
	case "tcp", "tls", "ws", "wss":
		proto = "tcp"
	}
	return fmt.Sprintf("_%s._%s.%s", scheme, proto, host)
}

// LookupAddr implements the sip.AddrResolver interface with RFC 3263 target
// selection: NAPTR, then SRV, then address records. Port is filled only when
// SRV provided one.
func (r *Resolver) LookupAddr(ctx context.Context, network string, scheme string, host string, addr *sip.Addr) error {
	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	target := host

	// NAPTR - RFC 3263 4.1. Absence is normal, fall through to SRV.
	if resp, err := r.Lookup(host, TypeNAPTR, timeout, true); err == nil {
		service := naptrService(network, scheme)
		if replacement := selectNAPTR(resp.Records, service); replacement != "" {
			if srvHost, port, err := r.lookupSRVTarget(replacement, timeout); err == nil {
				addr.Port = port
				return r.lookupHost(srvHost, timeout, addr)
			}
		}
	}

	// Direct SRV - RFC 3263 4.2.
	if srvHost, port, err := r.lookupSRVTarget(srvName(network, scheme, host), timeout); err == nil {
		addr.Port = port
		return r.lookupHost(srvHost, timeout, addr)
	}

	// Plain address records.
	return r.lookupHost(target, timeout, addr)
}

// selectNAPTR picks the lowest order record matching service and returns its
// replacement domain.
func selectNAPTR(records []dns.RR, service string) string {
	var best *dns.NAPTR
	for _, rr := range records {
		naptr, ok := rr.(*dns.NAPTR)
		if !ok {
			continue
		}
		if !strings.EqualFold(naptr.Service, service) {
			continue
		}
		if best == nil || naptr.Order < best.Order {
			best = naptr
		}
	}
	if best == nil {
		return ""
	}
	return best.Replacement
}

func (r *Resolver) lookupSRVTarget(name string, timeout time.Duration) (host string, port int, err error) {
	resp, err := r.Lookup(name, TypeSRV, timeout, true)
	if err != nil {
		return "", 0, err
	}

	srvs := make([]*dns.SRV, 0, len(resp.Records))
	for _, rr := range resp.Records {
		if srv, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, srv)
		}
	}
	if len(srvs) == 0 {
		return "", 0, ErrNoAddr
	}

	picked := selectSRV(srvs)
	return picked.Target, int(picked.Port), nil
}

// selectSRV applies RFC 2782 semantics: lowest priority first, weighted
// random selection within the priority group.
func selectSRV(srvs []*dns.SRV) *dns.SRV {
	sort.SliceStable(srvs, func(i, j int) bool {
		return srvs[i].Priority < srvs[j].Priority
	})

	group := srvs[:1]
	for _, s := range srvs[1:] {
		if s.Priority != srvs[0].Priority {
			break
		}
		group = append(group, s)
	}

	total := 0
	for _, s := range group {
		total += int(s.Weight)
	}
	if total == 0 {
		return group[rand.Intn(len(group))]
	}

	n := rand.Intn(total + 1)
	running := 0
	for _, s := range group {
		running += int(s.Weight)
		if running >= n {
			return s
		}
	}
	return group[len(group)-1]
}

// lookupHost fills addr.IP with an A answer, falling back to AAAA.
func (r *Resolver) lookupHost(host string, timeout time.Duration, addr *sip.Addr) error {
	if timeout < DefaultTimeoutHost {
		timeout = DefaultTimeoutHost
	}

	if resp, err := r.Lookup(host, TypeA, timeout, true); err == nil {
		for _, rr := range resp.Records {
			if a, ok := rr.(*dns.A); ok {
				addr.IP = a.A
				addr.Hostname = strings.TrimSuffix(host, ".")
				return nil
			}
		}
	}

	resp, err := r.Lookup(host, TypeAAAA, timeout, true)
	if err != nil {
		return err
	}
	for _, rr := range resp.Records {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			addr.IP = aaaa.AAAA
			addr.Hostname = strings.TrimSuffix(host, ".")
			return nil
		}
	}

	return fmt.Errorf("%w for %q", ErrNoAddr, host)
}
