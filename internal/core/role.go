package core

import "fmt"

// Position is the configured capture position. Values match the
// configuration enum.
type Position int

const (
	PositionClient       Position = 1
	PositionIntermediate Position = 2
	PositionService      Position = 3
)

// ParsePosition validates a raw configuration value.
func ParsePosition(v int) (Position, error) {
	switch p := Position(v); p {
	case PositionClient, PositionIntermediate, PositionService:
		return p, nil
	default:
		return 0, fmt.Errorf("%w: %d (must be 1=client, 2=intermediate, 3=service)", ErrInvalidPosition, v)
	}
}

func (p Position) String() string {
	switch p {
	case PositionClient:
		return "client"
	case PositionIntermediate:
		return "intermediate"
	case PositionService:
		return "service"
	default:
		return fmt.Sprintf("position(%d)", int(p))
	}
}

// Role is the observation role a conversation is tagged with at creation.
type Role struct {
	Position Position

	// Headline names the metric that best describes what this vantage point
	// sees: the client waits for the whole exchange, the service only for
	// its own processing.
	Headline string

	// ReportServiceTime and ReportResponseTime select which derived
	// durations are meaningful at this position.
	ReportResponseTime bool
	ReportServiceTime  bool

	// SplitDirections is set when the capture point sits between both legs
	// of the exchange, so request and response spreads are reported
	// separately instead of only the headline.
	SplitDirections bool
}

const (
	HeadlineResponseTime = "apdu_response_time"
	HeadlineServiceTime  = "service_time"
)

// RoleFor maps a capture position to its role. It is a pure lookup.
func RoleFor(p Position) Role {
	switch p {
	case PositionService:
		return Role{
			Position:          p,
			Headline:          HeadlineServiceTime,
			ReportServiceTime: true,
		}
	case PositionIntermediate:
		return Role{
			Position:           p,
			Headline:           HeadlineResponseTime,
			ReportResponseTime: true,
			ReportServiceTime:  true,
			SplitDirections:    true,
		}
	default:
		return Role{
			Position:           PositionClient,
			Headline:           HeadlineResponseTime,
			ReportResponseTime: true,
		}
	}
}
