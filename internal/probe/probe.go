// Package probe gathers identification hints for a camera without going
// through its vendor protocol: PTR lookups against the site resolver and
// the SNMP system group many NVRs expose. Probing is advisory; a camera
// that answers neither probe still works through its adapter.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

type Options struct {
	// DNSServer is host:port of the resolver for PTR lookups. Empty
	// disables the DNS probe.
	DNSServer string

	Community   string
	SNMPPort    uint16
	SNMPTimeout time.Duration
	SNMPRetries int
}

// Report is the merged result of all probes for one address.
type Report struct {
	Address     string          `json:"address"`
	Candidates  []NameCandidate `json:"candidates"`
	DisplayName string          `json:"display_name,omitempty"`

	SysName     string `json:"sys_name,omitempty"`
	SysDescr    string `json:"sys_descr,omitempty"`
	SysLocation string `json:"sys_location,omitempty"`
}

type Prober struct {
	log  zerolog.Logger
	opts Options
}

func New(log zerolog.Logger, opts Options) *Prober {
	if opts.Community == "" {
		opts.Community = "public"
	}
	if opts.SNMPPort == 0 {
		opts.SNMPPort = 161
	}
	if opts.SNMPTimeout <= 0 {
		opts.SNMPTimeout = 900 * time.Millisecond
	}
	if opts.SNMPRetries < 0 {
		opts.SNMPRetries = 0
	}
	return &Prober{log: log, opts: opts}
}

// Probe runs every configured probe against addr and merges the results.
// Individual probe failures are logged and skipped, not returned: a report
// with no candidates is a valid outcome.
func (p *Prober) Probe(ctx context.Context, addr string) Report {
	rep := Report{Address: addr}

	if names, err := p.lookupPTR(ctx, addr); err != nil {
		p.log.Debug().Err(err).Str("address", addr).Msg("ptr probe failed")
	} else {
		for _, n := range names {
			rep.Candidates = append(rep.Candidates, NameCandidate{Name: n, Source: "reverse_dns"})
		}
	}

	if sys, err := p.systemGroup(addr); err != nil {
		p.log.Debug().Err(err).Str("address", addr).Msg("snmp probe failed")
	} else {
		rep.SysName = sys.name
		rep.SysDescr = sys.descr
		rep.SysLocation = sys.location
		if sys.name != "" {
			rep.Candidates = append(rep.Candidates, NameCandidate{Name: sys.name, Source: "snmp"})
		}
	}

	if best, ok := ChooseBestDisplayName(rep.Candidates); ok {
		rep.DisplayName = best
	}
	return rep
}

// lookupPTR queries the configured resolver directly for the reverse name
// of addr and returns the deduplicated target names.
func (p *Prober) lookupPTR(ctx context.Context, addr string) ([]string, error) {
	if p.opts.DNSServer == "" {
		return nil, nil
	}

	rev, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("reverse addr: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(rev, dns.TypePTR)
	msg.RecursionDesired = true

	client := &dns.Client{}
	resp, _, err := client.ExchangeContext(ctx, msg, p.opts.DNSServer)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("ptr query rcode %s", dns.RcodeToString[resp.Rcode])
	}

	var out []string
	seen := make(map[string]struct{}, len(resp.Answer))
	for _, rr := range resp.Answer {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		name := strings.TrimSuffix(ptr.Ptr, ".")
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

const (
	oidSysDescr0    = "1.3.6.1.2.1.1.1.0"
	oidSysName0     = "1.3.6.1.2.1.1.5.0"
	oidSysLocation0 = "1.3.6.1.2.1.1.6.0"
)

type systemInfo struct {
	name     string
	descr    string
	location string
}

func (p *Prober) systemGroup(addr string) (systemInfo, error) {
	s := &gosnmp.GoSNMP{
		Target:    addr,
		Port:      p.opts.SNMPPort,
		Community: p.opts.Community,
		Version:   gosnmp.Version2c,
		Timeout:   p.opts.SNMPTimeout,
		Retries:   p.opts.SNMPRetries,
	}
	if err := s.Connect(); err != nil {
		return systemInfo{}, err
	}
	defer s.Conn.Close()

	pkt, err := s.Get([]string{oidSysName0, oidSysDescr0, oidSysLocation0})
	if err != nil {
		return systemInfo{}, err
	}

	var out systemInfo
	for _, v := range pkt.Variables {
		val, ok := pduString(v)
		if !ok {
			continue
		}
		switch v.Name {
		case oidSysName0:
			out.name = val
		case oidSysDescr0:
			out.descr = val
		case oidSysLocation0:
			out.location = val
		}
	}
	return out, nil
}

func pduString(pdu gosnmp.SnmpPDU) (string, bool) {
	switch v := pdu.Value.(type) {
	case string:
		return strings.TrimSpace(v), true
	case []byte:
		return strings.TrimSpace(string(v)), true
	default:
		return "", false
	}
}
