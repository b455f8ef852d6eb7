// Package resolver implements a process-wide DNS resolver for SIP routing:
// a bounded worker pool serving A/AAAA/SRV/NAPTR lookups with in-flight
// deduplication and a TTL-honoring cache, plus RFC 3263 target selection.
package resolver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	TypeA     = dns.TypeA
	TypeAAAA  = dns.TypeAAAA
	TypeSRV   = dns.TypeSRV
	TypeNAPTR = dns.TypeNAPTR
)

var (
	// DefaultTimeout applies to SRV and NAPTR lookups.
	DefaultTimeout = 5 * time.Second
	// DefaultTimeoutHost applies to A and AAAA lookups.
	DefaultTimeoutHost = 15 * time.Second

	// DefaultWorkers is size of the lookup worker pool.
	DefaultWorkers = 5

	ErrClosed  = errors.New("resolver closed")
	ErrTimeout = errors.New("lookup timed out")
	ErrNoAddr  = errors.New("no address records")
)

// lookupKey identifies an in-flight or cached lookup. Query type is matched
// by its typed value, never by its textual form.
type lookupKey struct {
	host  string
	qtype uint16
}

// Response is the outcome of one lookup.
type Response struct {
	Records []dns.RR
	// Expire is when the shortest TTL of the answer runs out.
	Expire time.Time
	// Synthetic marks answers fabricated for IP literal hostnames.
	Synthetic bool
}

// lookup is a queued request. Invariant: for any (hostname, qtype) there is
// at most one in-progress lookup; concurrent callers attach as duplicates
// and get signaled when the original completes.
type lookup struct {
	key     lookupKey
	timeout time.Duration
	servers []string

	done chan struct{}
	resp *Response
	err  error

	duplicates []*lookup
}

type cacheEntry struct {
	resp *Response
}

// Resolver runs a fixed worker pool draining a lookup queue.
type Resolver struct {
	workers int
	servers []string
	client  *dns.Client
	log     zerolog.Logger

	queue chan *lookup

	mu       sync.Mutex
	inflight map[lookupKey]*lookup
	cache    map[lookupKey]*cacheEntry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(r *Resolver)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithServers overrides nameservers read from /etc/resolv.conf.
// Entries are host:port.
func WithServers(servers ...string) Option {
	return func(r *Resolver) { r.servers = servers }
}

func WithWorkers(n int) Option {
	return func(r *Resolver) { r.workers = n }
}

// New creates a resolver. Call Start before first lookup and Stop on shutdown.
func New(options ...Option) *Resolver {
	r := &Resolver{
		workers:  DefaultWorkers,
		client:   &dns.Client{},
		log:      log.Logger,
		queue:    make(chan *lookup, 64),
		inflight: make(map[lookupKey]*lookup),
		cache:    make(map[lookupKey]*cacheEntry),
		stop:     make(chan struct{}),
	}

	for _, o := range options {
		o(r)
	}

	if len(r.servers) == 0 {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range conf.Servers {
				r.servers = append(r.servers, net.JoinHostPort(s, conf.Port))
			}
		}
	}

	return r
}

// Start launches the worker pool.
func (r *Resolver) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop cancels in-flight lookups and joins the workers. Callers blocked in
// Lookup observe nil response.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

// Lookup resolves hostname for qtype, blocking until the answer arrives or
// a hard ceiling of 2x timeout passes. IP literal hostnames bypass cache
// and wire and return a synthetic response.
func (r *Resolver) Lookup(hostname string, qtype uint16, timeout time.Duration, useCache bool) (*Response, error) {
	lk, resp, err := r.enqueue(hostname, qtype, timeout, useCache)
	if resp != nil || err != nil {
		return resp, err
	}

	select {
	case <-lk.done:
		return lk.resp, lk.err
	case <-r.stop:
		return nil, ErrClosed
	case <-time.After(2 * timeout):
		return nil, ErrTimeout
	}
}

// LookupAsync returns the cached answer if present, nil otherwise. On a miss
// the lookup is queued; the caller is expected to retry - SIP retransmissions
// naturally provide the cadence.
func (r *Resolver) LookupAsync(hostname string, qtype uint16, timeout time.Duration) *Response {
	_, resp, _ := r.enqueue(hostname, qtype, timeout, true)
	return resp
}

// enqueue returns either an immediate response (cache or synthetic), or the
// lookup to wait on.
func (r *Resolver) enqueue(hostname string, qtype uint16, timeout time.Duration, useCache bool) (*lookup, *Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
		if qtype == TypeA || qtype == TypeAAAA {
			timeout = DefaultTimeoutHost
		}
	}

	// IP literals never hit cache or wire.
	if ip := net.ParseIP(hostname); ip != nil {
		return nil, syntheticResponse(hostname, ip, qtype), nil
	}

	key := lookupKey{host: dns.Fqdn(hostname), qtype: qtype}

	r.mu.Lock()
	if useCache {
		if e, ok := r.cache[key]; ok {
			if time.Now().Before(e.resp.Expire) {
				r.mu.Unlock()
				return nil, e.resp, nil
			}
			delete(r.cache, key)
		}
	}

	// Deduplicate against the in-progress set.
	if orig, ok := r.inflight[key]; ok {
		dup := &lookup{key: key, timeout: timeout, done: make(chan struct{})}
		orig.duplicates = append(orig.duplicates, dup)
		r.mu.Unlock()
		return dup, nil, nil
	}

	lk := &lookup{key: key, timeout: timeout, servers: r.servers, done: make(chan struct{})}
	r.inflight[key] = lk
	r.mu.Unlock()

	select {
	case r.queue <- lk:
	case <-r.stop:
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
		return nil, nil, ErrClosed
	}
	return lk, nil, nil
}

func (r *Resolver) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case lk := <-r.queue:
			r.serve(lk)
		}
	}
}

func (r *Resolver) serve(lk *lookup) {
	resp, err := r.exchange(lk)

	r.mu.Lock()
	delete(r.inflight, lk.key)
	if err == nil && resp != nil {
		r.cache[lk.key] = &cacheEntry{resp: resp}
	}
	dups := lk.duplicates
	r.mu.Unlock()

	lk.resp, lk.err = resp, err
	close(lk.done)
	// Signal everyone who attached while we were busy.
	for _, dup := range dups {
		dup.resp, dup.err = resp, err
		close(dup.done)
	}
}

func (r *Resolver) exchange(lk *lookup) (*Response, error) {
	if len(lk.servers) == 0 {
		return nil, errors.New("no nameservers configured")
	}

	m := new(dns.Msg)
	m.SetQuestion(lk.key.host, lk.key.qtype)
	m.RecursionDesired = true

	client := *r.client
	client.Timeout = lk.timeout

	var lastErr error
	for _, server := range lk.servers {
		in, _, err := client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("lookup %s type=%d rcode=%d", lk.key.host, lk.key.qtype, in.Rcode)
			continue
		}

		minTTL := uint32(0)
		records := make([]dns.RR, 0, len(in.Answer))
		for _, rr := range in.Answer {
			records = append(records, rr)
			ttl := rr.Header().Ttl
			if minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
		}
		if len(records) == 0 {
			return nil, ErrNoAddr
		}

		return &Response{
			Records: records,
			Expire:  time.Now().Add(time.Duration(minTTL) * time.Second),
		}, nil
	}

	r.log.Warn().Err(lastErr).Str("host", lk.key.host).Msg("DNS lookup failed on all servers")
	return nil, lastErr
}

func syntheticResponse(hostname string, ip net.IP, qtype uint16) *Response {
	hdr := dns.RR_Header{
		Name:   dns.Fqdn(hostname),
		Class:  dns.ClassINET,
		Ttl:    0,
		Rrtype: qtype,
	}

	var rr dns.RR
	if ip4 := ip.To4(); ip4 != nil {
		hdr.Rrtype = dns.TypeA
		rr = &dns.A{Hdr: hdr, A: ip4}
	} else {
		hdr.Rrtype = dns.TypeAAAA
		rr = &dns.AAAA{Hdr: hdr, AAAA: ip}
	}

	return &Response{
		Records:   []dns.RR{rr},
		Expire:    time.Now().Add(time.Minute),
		Synthetic: true,
	}
}
