package protocol

import (
	"github.com/miekg/dns"

	"rebinder/internal/rebind"
)

// BuildReply constructs the authoritative reply to req. The reply echoes the query id and its
// first question, and sets the qr, aa and ra flags. Only an A question receives an answer; the
// address comes from selector and is stamped with ttl. The returned Selection is nil when no
// address was selected.
func BuildReply(req *dns.Msg, selector rebind.Selector, ttl uint32) (*dns.Msg, *rebind.Selection) {
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Authoritative = true
	reply.RecursionAvailable = true

	// SetReply only copies the question when one is present.
	if len(req.Question) == 0 || req.Question[0].Qtype != dns.TypeA {
		return reply, nil
	}

	question := req.Question[0]
	selection := selector.Select()

	reply.Answer = append(reply.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   question.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: selection.IP,
	})

	return reply, &selection
}

// questionType names the type of the first question, for logs and metrics.
func questionType(msg *dns.Msg) string {
	if len(msg.Question) == 0 {
		return "NONE"
	}

	return dns.Type(msg.Question[0].Qtype).String()
}

// questionName returns the name of the first question, or the root when there is none.
func questionName(msg *dns.Msg) string {
	if len(msg.Question) == 0 {
		return "."
	}

	return msg.Question[0].Name
}
