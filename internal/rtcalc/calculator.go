// Package rtcalc derives timing metrics from closed exchanges.
package rtcalc

import (
	"time"

	"firestige.xyz/rte/internal/config"
	"firestige.xyz/rte/internal/core"
	"firestige.xyz/rte/internal/exchange"
)

// Status is the outcome class of a computed result.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusNoResponse Status = "no_response"
	StatusSuspect    Status = "suspect"
)

// Metrics are the durations of one exchange, expressed in Unit. A duration
// is never negative: a would-be-negative delta is reported as zero with
// Suspect set.
type Metrics struct {
	Status Status
	Unit   core.Unit

	RequestTime    float64 // selected request event minus request first seen
	ResponseTime   float64 // selected response event minus selected request event
	ServiceTime    float64 // response first seen minus request last seen
	ResponseSpread float64 // response last seen minus response first seen

	Suspect       bool
	SuspectReason string
}

// Calculator is stateless apart from the immutable selection and unit.
type Calculator struct {
	unit core.Unit
	sel  config.EventSelection
}

func NewCalculator(unit core.Unit, sel config.EventSelection) *Calculator {
	return &Calculator{unit: unit, sel: sel}
}

// FromPreferences builds a calculator from a validated preference snapshot.
func FromPreferences(p *config.Preferences) *Calculator {
	return NewCalculator(p.Unit, p.Selection)
}

// Unit returns the reporting unit.
func (c *Calculator) Unit() core.Unit {
	return c.unit
}

// Compute derives metrics for a COMPLETE or ORPHANED exchange.
func (c *Calculator) Compute(ex *exchange.Exchange) Metrics {
	m := Metrics{Status: StatusComplete, Unit: c.unit}
	if ex.Suspect {
		m.flag(ex.SuspectReason)
	}

	reqAt := ex.ReqLast
	if c.sel.FirstRequest {
		reqAt = ex.ReqFirst
	}
	m.RequestTime = c.delta(&m, ex.ReqFirst, reqAt, "request ends before it starts")

	if ex.State != exchange.StateComplete {
		m.Status = StatusNoResponse
		return m
	}

	rspAt := ex.RspLast
	if c.sel.FirstResponse {
		rspAt = ex.RspFirst
	}
	m.ResponseTime = c.delta(&m, reqAt, rspAt, "negative response time")
	m.ServiceTime = c.delta(&m, ex.ReqLast, ex.RspFirst, "negative service time")
	m.ResponseSpread = c.delta(&m, ex.RspFirst, ex.RspLast, "response ends before it starts")

	if m.Suspect {
		m.Status = StatusSuspect
	}
	return m
}

// Headline returns the metric the role treats as primary.
func (m Metrics) Headline(r core.Role) float64 {
	if r.Headline == core.HeadlineServiceTime {
		return m.ServiceTime
	}
	return m.ResponseTime
}

func (m *Metrics) flag(why string) {
	if !m.Suspect {
		m.Suspect = true
		m.SuspectReason = why
	}
}

func (c *Calculator) delta(m *Metrics, from, to time.Time, why string) float64 {
	d := to.Sub(from)
	if d < 0 {
		m.flag(why)
		return 0
	}
	return c.unit.Convert(d)
}

// Transit is the network time between two capture points observing the
// same exchange: the outer point's response time minus the inner one's.
// When either point saw no response there is no transit time and the status
// is StatusNoResponse. A negative difference means the capture clocks
// disagree; it is reported as zero with StatusSuspect, as is a difference
// built from a suspect input.
func Transit(outer, inner Metrics) (float64, Status) {
	if outer.Status == StatusNoResponse || inner.Status == StatusNoResponse {
		return 0, StatusNoResponse
	}
	d := outer.ResponseTime - inner.ResponseTime
	if d < 0 {
		return 0, StatusSuspect
	}
	if outer.Suspect || inner.Suspect {
		return d, StatusSuspect
	}
	return d, StatusComplete
}
