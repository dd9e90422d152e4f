// Package directive parses active-response directive lines into
// delivery plans.
//
// A directive line has the shape
//
//	(<origin>) <source-address> <mode> <target-id> <payload...>
//
// where <mode> carries three flag positions: broadcast, originating peer
// and specific peer.  Parsing is a pure function of the line and the
// configured sentinel characters; nothing is shared between calls.
package directive

import (
	"fmt"
	"strings"

	ncerr "arforward/internal/errors"
)

// ── Wire constants ───────────────────────────────────────────────────

const (
	// ControlHeader marks a frame as an agent control message.
	ControlHeader = "#!-"
	// ExecHeader tells the agent to hand the payload to its executor.
	ExecHeader = "execd "
	// MaxCommandSize bounds the formatted command carried in one frame.
	MaxCommandSize = 1023

	// DefaultSentinels flag a position when it holds '1'.
	DefaultSentinels = "111"
	// OSSECSentinels match the classic manager's "ARS" mode field.
	OSSECSentinels = "ARS"
)

// ── Mode flags ───────────────────────────────────────────────────────

// Mode is the set of target-selection flags a directive carries.
type Mode uint8

const (
	Broadcast Mode = 1 << iota
	OriginatingPeer
	SpecificPeer
)

// Has reports whether every flag in f is set.
func (m Mode) Has(f Mode) bool { return f != 0 && m&f == f }

func (m Mode) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	if m.Has(Broadcast) {
		parts = append(parts, "broadcast")
	}
	if m.Has(OriginatingPeer) {
		parts = append(parts, "origin")
	}
	if m.Has(SpecificPeer) {
		parts = append(parts, "peer")
	}
	return strings.Join(parts, "|")
}

// Target is the single delivery decision resolved from a Mode.
type Target int

const (
	TargetNone Target = iota
	TargetAll
	TargetOrigin
	TargetPeer
)

func (t Target) String() string {
	switch t {
	case TargetAll:
		return "broadcast"
	case TargetOrigin:
		return "origin"
	case TargetPeer:
		return "peer"
	default:
		return "none"
	}
}

// ── Plan ─────────────────────────────────────────────────────────────

// Plan is the parsed form of one directive.
type Plan struct {
	Mode       Mode
	Origin     string // peer that raised the event
	SourceAddr string // carried, not used for delivery
	TargetID   string // meaningful only with SpecificPeer
	Command    string // ControlHeader + ExecHeader + payload
	Truncated  bool   // Command was cut to MaxCommandSize
}

// Target resolves overlapping flags.  Broadcast wins over
// OriginatingPeer, which wins over SpecificPeer.
func (p Plan) Target() Target {
	switch {
	case p.Mode.Has(Broadcast):
		return TargetAll
	case p.Mode.Has(OriginatingPeer):
		return TargetOrigin
	case p.Mode.Has(SpecificPeer):
		return TargetPeer
	default:
		return TargetNone
	}
}

// ── Parser ───────────────────────────────────────────────────────────

// Parser holds the sentinel character for each mode position.
// The zero value is not usable; build one with [NewParser].
type Parser struct {
	sentinels [3]byte
}

// NewParser returns a parser flagging mode position i when it equals
// sentinels[i].  sentinels must be exactly three bytes.
func NewParser(sentinels string) (*Parser, error) {
	if len(sentinels) != 3 {
		return nil, fmt.Errorf("mode sentinels must be 3 characters, got %q", sentinels)
	}
	p := &Parser{}
	copy(p.sentinels[:], sentinels)
	return p, nil
}

var defaultParser = &Parser{sentinels: [3]byte{'1', '1', '1'}}

// Parse parses line with [DefaultSentinels].
func Parse(line string) (Plan, error) {
	return defaultParser.Parse(line)
}

// Parse splits line into a Plan.  Any missing delimiter yields a
// *errors.DirectiveError naming the field that could not be found.
func (p *Parser) Parse(line string) (Plan, error) {
	if !strings.HasPrefix(line, "(") {
		return Plan{}, ncerr.Malformed("origin", line)
	}
	closeAt := strings.IndexByte(line, ')')
	if closeAt < 0 {
		return Plan{}, ncerr.Malformed("origin", line)
	}
	plan := Plan{Origin: line[1:closeAt]}

	// ")" and one separator.
	next := closeAt + 2
	if next > len(line) {
		return Plan{}, ncerr.Malformed("source", line)
	}
	rest := line[next:]

	var ok bool
	if plan.SourceAddr, rest, ok = strings.Cut(rest, " "); !ok {
		return Plan{}, ncerr.Malformed("source", line)
	}

	var modeField string
	if modeField, rest, ok = strings.Cut(rest, " "); !ok {
		return Plan{}, ncerr.Malformed("mode", line)
	}
	plan.Mode = p.mode(modeField)

	var payload string
	if plan.TargetID, payload, ok = strings.Cut(rest, " "); !ok {
		return Plan{}, ncerr.Malformed("target", line)
	}

	plan.Command, plan.Truncated = Format(payload)
	return plan, nil
}

func (p *Parser) mode(field string) Mode {
	var m Mode
	for i := 0; i < len(p.sentinels) && i < len(field); i++ {
		if field[i] == p.sentinels[i] {
			m |= Mode(1 << i)
		}
	}
	return m
}

// Format prefixes payload with the control and exec headers and cuts
// the result to MaxCommandSize.
func Format(payload string) (cmd string, truncated bool) {
	cmd = ControlHeader + ExecHeader + payload
	if len(cmd) > MaxCommandSize {
		return cmd[:MaxCommandSize], true
	}
	return cmd, false
}
