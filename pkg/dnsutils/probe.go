package dnsutils

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// NewProbeQuery packs a recursive query for name with type qtype.
// qtype is a type mnemonic such as "A" or "AAAA".
func NewProbeQuery(name, qtype string) ([]byte, error) {
	t, ok := dns.StringToType[strings.ToUpper(qtype)]
	if !ok {
		return nil, fmt.Errorf("unknown query type %q", qtype)
	}
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), t)
	q.RecursionDesired = true
	q.Id = 0
	return q.Pack()
}

// DescribeResponse unpacks b and returns its rcode and answer records
// in presentation format.
func DescribeResponse(b []byte) (rcode string, answers []string, err error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return "", nil, fmt.Errorf("unpack response: %w", err)
	}
	rcode = dns.RcodeToString[m.Rcode]
	for _, rr := range m.Answer {
		answers = append(answers, rr.String())
	}
	return rcode, answers, nil
}
