package sink

import (
	"strconv"
	"time"

	"firestige.xyz/rte/internal/engine"
)

// Record is the flat, export-ready form of an engine result.
type Record struct {
	Kind        string    `json:"kind"`
	Shard       int       `json:"shard"`
	Timestamp   time.Time `json:"timestamp"`
	Transport   string    `json:"transport"`
	Client      string    `json:"client"`
	Service     string    `json:"service"`
	Position    string    `json:"position"`
	Key         string    `json:"key,omitempty"`
	State       string    `json:"state,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Status      string    `json:"status,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	RequestTime float64   `json:"request_time"`
	RspTime     float64   `json:"response_time"`
	ServiceTime float64   `json:"service_time"`
	RspSpread   float64   `json:"response_spread"`
	Suspect     bool      `json:"suspect"`
	SuspectWhy  string    `json:"suspect_reason,omitempty"`
	ReqSegments int       `json:"req_segments"`
	RspSegments int       `json:"rsp_segments"`
	ReqBytes    int       `json:"req_bytes"`
	RspBytes    int       `json:"rsp_bytes"`
	ReqLabel    string    `json:"req_label,omitempty"`
	RspLabel    string    `json:"rsp_label,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// FromResult flattens r.
func FromResult(r engine.Result) *Record {
	rec := &Record{
		Kind:      string(r.Kind),
		Shard:     r.Shard,
		Transport: r.Conn.Transport.String(),
		Client:    addrPort(r.Conn.ClientIP.String(), r.Conn.ClientPort),
		Service:   addrPort(r.Conn.ServiceIP.String(), r.Conn.ServicePort),
		Position:  r.Role.Position.String(),
		Summary:   r.Summary,
	}

	if r.Kind == engine.KindUnmatched {
		rec.Timestamp = r.Message.FirstSeen
		rec.RspSegments = r.Message.Segments
		rec.RspBytes = r.Message.PayloadLen
		rec.RspLabel = r.Message.Label
		return rec
	}

	ex, m := r.Exchange, r.Metrics
	rec.Timestamp = ex.ReqFirst
	rec.Key = ex.Key.String()
	rec.State = ex.State.String()
	rec.Reason = string(ex.Reason)
	rec.Status = string(m.Status)
	rec.Unit = m.Unit.Suffix()
	rec.RequestTime = m.RequestTime
	rec.RspTime = m.ResponseTime
	rec.ServiceTime = m.ServiceTime
	rec.RspSpread = m.ResponseSpread
	rec.Suspect = m.Suspect
	rec.SuspectWhy = m.SuspectReason
	rec.ReqSegments = ex.ReqSegments
	rec.RspSegments = ex.RspSegments
	rec.ReqBytes = ex.ReqBytes
	rec.RspBytes = ex.RspBytes
	rec.ReqLabel = ex.ReqLabel
	rec.RspLabel = ex.RspLabel
	return rec
}

// ConnKey identifies the conversation; used as a partitioning key.
func (r *Record) ConnKey() string {
	return r.Transport + " " + r.Client + "->" + r.Service
}

// Columns are the field names in Values order.
var Columns = []string{
	"kind", "shard", "timestamp", "transport", "client", "service", "position",
	"key", "state", "reason", "status", "unit",
	"request_time", "response_time", "service_time", "response_spread",
	"suspect", "suspect_reason",
	"req_segments", "rsp_segments", "req_bytes", "rsp_bytes",
	"req_label", "rsp_label", "summary",
}

// Values returns the record as typed column values.
func (r *Record) Values() []any {
	return []any{
		r.Kind, r.Shard, r.Timestamp, r.Transport, r.Client, r.Service, r.Position,
		r.Key, r.State, r.Reason, r.Status, r.Unit,
		r.RequestTime, r.RspTime, r.ServiceTime, r.RspSpread,
		r.Suspect, r.SuspectWhy,
		r.ReqSegments, r.RspSegments, r.ReqBytes, r.RspBytes,
		r.ReqLabel, r.RspLabel, r.Summary,
	}
}

// Map returns the record keyed by column name with JSON-friendly scalar
// values.
func (r *Record) Map() map[string]any {
	vals := r.Values()
	m := make(map[string]any, len(Columns))
	for i, c := range Columns {
		switch v := vals[i].(type) {
		case time.Time:
			m[c] = v.UTC().Format(time.RFC3339Nano)
		default:
			m[c] = v
		}
	}
	return m
}

// Strings returns the record as text columns, e.g. for CSV.
func (r *Record) Strings() []string {
	vals := r.Values()
	out := make([]string, len(vals))
	for i, v := range vals {
		switch v := v.(type) {
		case string:
			out[i] = v
		case int:
			out[i] = strconv.Itoa(v)
		case float64:
			out[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[i] = strconv.FormatBool(v)
		case time.Time:
			out[i] = v.UTC().Format(time.RFC3339Nano)
		}
	}
	return out
}

func addrPort(ip string, port uint16) string {
	return ip + ":" + strconv.Itoa(int(port))
}
