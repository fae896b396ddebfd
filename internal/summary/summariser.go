// Package summary renders computed metrics into display-ready text. It is a
// pure presentation transform and never feeds back into correlation.
package summary

import (
	"strconv"
	"strings"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/exchange"
	"firestige.xyz/rte/internal/rtcalc"
)

// Input is everything the summariser may show about one exchange. The
// exchange is read, never modified.
type Input struct {
	Conn     core.ConnID
	Role     core.Role
	Exchange *exchange.Exchange
	Metrics  rtcalc.Metrics
}

type Summariser struct {
	opts config.SummaryOptions
}

func New(opts config.SummaryOptions) *Summariser {
	return &Summariser{opts: opts}
}

// Enabled reports whether summaries are produced at all.
func (s *Summariser) Enabled() bool {
	return s != nil && s.opts.Enabled
}

// Summarise returns the summary line for in, or "" when disabled.
func (s *Summariser) Summarise(in Input) string {
	if !s.Enabled() {
		return ""
	}
	m := in.Metrics
	ex := in.Exchange
	unit := m.Unit.Suffix()

	var b strings.Builder
	b.WriteString(in.Conn.String())
	field(&b, "key", s.quote(ex.Key.String()))
	field(&b, "status", string(m.Status))

	switch {
	case m.Status == rtcalc.StatusNoResponse:
		field(&b, "reason", string(ex.Reason))
	case in.Role.SplitDirections:
		duration(&b, core.HeadlineResponseTime, m.ResponseTime, unit)
		duration(&b, core.HeadlineServiceTime, m.ServiceTime, unit)
		duration(&b, "req_time", m.RequestTime, unit)
		duration(&b, "rsp_spread", m.ResponseSpread, unit)
	default:
		duration(&b, in.Role.Headline, m.Headline(in.Role), unit)
	}
	if m.Suspect {
		field(&b, "suspect", s.quote(m.SuspectReason))
	}

	if s.opts.TDS {
		field(&b, "req", s.quote(ex.ReqLabel))
		field(&b, "rsp", s.quote(ex.RspLabel))
		field(&b, "req_segs", strconv.Itoa(ex.ReqSegments))
		field(&b, "rsp_segs", strconv.Itoa(ex.RspSegments))
		field(&b, "req_bytes", strconv.Itoa(ex.ReqBytes))
		field(&b, "rsp_bytes", strconv.Itoa(ex.RspBytes))
	}
	return b.String()
}

// quote wraps source-derived text in double quotes. With escaping on, an
// embedded quote is doubled, which is how CSV readers expect it.
func (s *Summariser) quote(v string) string {
	if s.opts.EscapeQuotes {
		v = EscapeQuotes(v)
	}
	return `"` + v + `"`
}

// EscapeQuotes doubles every double quote in v.
func EscapeQuotes(v string) string {
	return strings.ReplaceAll(v, `"`, `""`)
}

func field(b *strings.Builder, k, v string) {
	b.WriteByte(' ')
	b.WriteString(k)
	b.WriteByte('=')
	b.WriteString(v)
}

func duration(b *strings.Builder, k string, v float64, unit string) {
	field(b, k, strconv.FormatFloat(v, 'f', -1, 64)+unit)
}
