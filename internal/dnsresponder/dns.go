// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package dnsresponder implements the DNS Responder: a partially
// authoritative resolver that answers forward (A) queries for
// `<base32-pubkey>.snode` names and reverse (PTR) queries for addresses
// in the endpoint's range, and forwards everything else upstream. No
// repo in the retrieval pack runs a DNS server, so this package reaches
// for github.com/miekg/dns, the de-facto standard library for the job,
// rather than hand-rolling message parsing the way the corpus's
// forward-only DNS clients do.
package dnsresponder

import (
	"encoding/base32"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/internal/glue"
	"github.com/katzenpost/exitnode/internal/metrics"
)

// snodeTTL is the TTL, in seconds, on every authoritative answer this
// responder produces.
const snodeTTL = 300

// pubkeyEncoding is unpadded, lowercase base32, matching DNS's
// case-insensitive label rules.
var pubkeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Hooks is the endpoint state the responder needs to answer queries and
// to provision new service-node sessions on demand.
type Hooks interface {
	// LocalPubkey returns this router's own identity.
	LocalPubkey() glue.PubKey
	// KeyForIP resolves an address in range back to its owning pubkey.
	KeyForIP(ip net.IP) (glue.PubKey, bool)
	// IsSNode reports whether pk is a known service-node peer.
	IsSNode(pk glue.PubKey) bool
	// ObtainServiceNodeIP returns pk's address, allocating one and
	// opening an outbound session on first use.
	ObtainServiceNodeIP(pk glue.PubKey) (net.IP, error)
}

// Responder is the DNS Responder component.
type Responder struct {
	log     *logging.Logger
	hooks   Hooks
	metrics *metrics.Metrics

	network  *net.IPNet
	gateway  net.IP
	upstream []string

	client *dns.Client
}

// New constructs a Responder for the given range and gateway address,
// forwarding non-authoritative queries to upstream (tried in order).
func New(hooks Hooks, network *net.IPNet, gateway net.IP, upstream []string, m *metrics.Metrics, log *logging.Logger) *Responder {
	if len(upstream) == 0 {
		upstream = []string{"8.8.8.8:53"}
	}
	return &Responder{
		log:      log,
		hooks:    hooks,
		metrics:  m,
		network:  network,
		gateway:  gateway,
		upstream: upstream,
		client:   &dns.Client{Timeout: 5 * time.Second},
	}
}

// NewServer wraps r in a dns.Server bound to addr, using UDP, matching
// the "answers queries on localResolverAddr" contract. The server must
// still be started by the caller via ListenAndServe.
func (r *Responder) NewServer(addr string) *dns.Server {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", r.ServeDNS)
	return &dns.Server{Addr: addr, Net: "udp", Handler: mux}
}

// ServeDNS answers a single query, either authoritatively or by
// forwarding upstream. It satisfies dns.HandlerFunc's signature so it
// can be registered directly with a dns.ServeMux.
func (r *Responder) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	defer w.Close()

	if len(req.Question) != 1 {
		r.forward(w, req)
		return
	}
	q := req.Question[0]

	switch q.Qtype {
	case dns.TypePTR:
		if ip := ptrQuestionIP(q.Name); ip != nil && r.network.Contains(ip) {
			r.answerPTR(w, req, ip)
			return
		}
	case dns.TypeA:
		if name, ok := snodeLabel(q.Name); ok {
			r.answerA(w, req, name)
			return
		}
	}
	r.forward(w, req)
}

func (r *Responder) answerPTR(w dns.ResponseWriter, req *dns.Msg, ip net.IP) {
	q := req.Question[0]

	if ip.Equal(r.gateway) {
		r.reply(w, req, ptrRecord(q.Name, EncodePubkeyLabel(r.hooks.LocalPubkey())))
		r.metrics.DNSQueries.WithLabelValues("authoritative").Inc()
		return
	}
	pk, ok := r.hooks.KeyForIP(ip)
	if !ok || !r.hooks.IsSNode(pk) {
		r.nxdomain(w, req)
		return
	}
	r.reply(w, req, ptrRecord(q.Name, EncodePubkeyLabel(pk)))
	r.metrics.DNSQueries.WithLabelValues("authoritative").Inc()
}

func (r *Responder) answerA(w dns.ResponseWriter, req *dns.Msg, label string) {
	q := req.Question[0]

	pk, ok := decodePubkeyLabel(label)
	if !ok {
		r.nxdomain(w, req)
		return
	}
	ip, err := r.hooks.ObtainServiceNodeIP(pk)
	if err != nil {
		r.log.Warningf("Failed to provision service-node session for %s: %v", label, err)
		r.nxdomain(w, req)
		return
	}
	r.reply(w, req, aRecord(q.Name, ip))
	r.metrics.DNSQueries.WithLabelValues("authoritative").Inc()
}

func (r *Responder) forward(w dns.ResponseWriter, req *dns.Msg) {
	r.metrics.DNSQueries.WithLabelValues("forwarded").Inc()
	for _, upstream := range r.upstream {
		resp, _, err := r.client.Exchange(req, upstream)
		if err != nil {
			continue
		}
		w.WriteMsg(resp)
		return
	}
	r.nxdomain(w, req)
}

func (r *Responder) reply(w dns.ResponseWriter, req *dns.Msg, rr dns.RR) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true
	m.Answer = append(m.Answer, rr)
	w.WriteMsg(m)
}

func (r *Responder) nxdomain(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeNameError)
	m.Authoritative = true
	w.WriteMsg(m)
	r.metrics.DNSQueries.WithLabelValues("nxdomain").Inc()
}

func ptrRecord(question, pubkeyName string) dns.RR {
	return &dns.PTR{
		Hdr: dns.RR_Header{Name: question, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: snodeTTL},
		Ptr: dns.Fqdn(pubkeyName + ".snode"),
	}
}

func aRecord(question string, ip net.IP) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: question, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: snodeTTL},
		A:   ip,
	}
}

// snodeLabel reports whether name ends in the literal ".snode" suffix and,
// if so, returns the base name preceding it.
func snodeLabel(name string) (string, bool) {
	name = strings.TrimSuffix(dns.Fqdn(name), ".")
	const suffix = ".snode"
	if !strings.HasSuffix(strings.ToLower(name), suffix) {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}

// ptrQuestionIP decodes a reverse-lookup question name
// (`d.c.b.a.in-addr.arpa.`) back to its IPv4 address, or nil if it
// doesn't parse as one.
func ptrQuestionIP(name string) net.IP {
	octets, ok := reverseOctets(name)
	if !ok {
		return nil
	}
	return net.IPv4(octets[0], octets[1], octets[2], octets[3])
}

func reverseOctets(name string) ([4]byte, bool) {
	var out [4]byte
	name = strings.TrimSuffix(dns.Fqdn(name), ".")
	const suffix = "in-addr.arpa"
	if !strings.HasSuffix(strings.ToLower(name), suffix) {
		return out, false
	}
	name = strings.TrimSuffix(name, suffix)
	name = strings.TrimSuffix(name, ".")
	parts := strings.Split(name, ".")
	if len(parts) != 4 {
		return out, false
	}
	for i := 0; i < 4; i++ {
		v, err := parseOctet(parts[i])
		if err != nil {
			return out, false
		}
		// in-addr.arpa names are written least-significant octet first.
		out[3-i] = v
	}
	return out, true
}

func parseOctet(s string) (byte, error) {
	var v int
	if len(s) == 0 || len(s) > 3 {
		return 0, errBadOctet
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errBadOctet
		}
		v = v*10 + int(c-'0')
	}
	if v > 255 {
		return 0, errBadOctet
	}
	return byte(v), nil
}

var errBadOctet = dnsError("dnsresponder: malformed in-addr.arpa octet")

type dnsError string

func (e dnsError) Error() string { return string(e) }

// EncodePubkeyLabel renders pk as the base32 label used in `.snode`
// names. Exported so that callers constructing snode names (tests,
// diagnostics) use the same encoding as the responder.
func EncodePubkeyLabel(pk glue.PubKey) string {
	return strings.ToLower(pubkeyEncoding.EncodeToString(pk[:]))
}

func decodePubkeyLabel(label string) (glue.PubKey, bool) {
	var pk glue.PubKey
	raw, err := pubkeyEncoding.DecodeString(strings.ToUpper(label))
	if err != nil || len(raw) != len(pk) {
		return pk, false
	}
	copy(pk[:], raw)
	return pk, true
}
