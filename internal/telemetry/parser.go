package telemetry

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	reasonEmpty     = "empty"
	reasonGarbled   = "garbled"
	reasonBadResend = "bad resend"
	reasonUnknown   = "unknown"
)

var (
	// T:210.0 /210.0, T0:200/0, B:60 /60. The current value stops at
	// whitespace or '/', so truncated and malformed numbers still split.
	heaterToken = regexp.MustCompile(`(?:^|\s)(T\d*|B):\s*([^\s/]*)(?:\s*/\s*([^\s]*))?`)
	axisToken   = regexp.MustCompile(`(?:^|\s)([XYZE]):\s*([-+]?[0-9]*\.?[0-9]+)`)
)

// Parse classifies a single line. It never fails; lines it cannot make sense
// of come back as Unrecognized.
func Parse(line string) Event {
	s := strings.TrimSpace(line)
	if s == "" {
		return Unrecognized{Raw: line, Reason: reasonEmpty}
	}
	if garbled(s) {
		return Unrecognized{Raw: line, Reason: reasonGarbled}
	}
	lower := strings.ToLower(s)

	switch {
	case lower == "ok" || strings.HasPrefix(lower, "ok "):
		if tr, ok := parseTemperatures(s[2:]); ok {
			tr.Ack = true
			return tr
		}
		return Ack{}

	case strings.HasPrefix(lower, "echo:busy") || strings.HasPrefix(lower, "busy:"):
		return Busy{}

	case strings.HasPrefix(lower, "resend:") || strings.HasPrefix(lower, "rs "):
		return parseResend(s)

	case strings.HasPrefix(lower, "error:") || strings.HasPrefix(lower, "!!"):
		return parseError(s)

	case lower == "start":
		return FirmwareStart{}

	case strings.HasPrefix(lower, "echo:"):
		return Echo{Text: strings.TrimSpace(s[len("echo:"):])}
	}

	if tr, ok := parseTemperatures(s); ok {
		return tr
	}
	if pr, ok := parsePosition(s); ok {
		return pr
	}
	return Unrecognized{Raw: line, Reason: reasonUnknown}
}

// garbled reports control characters, which show up on baud mismatch or
// line noise.
func garbled(s string) bool {
	for _, r := range s {
		if r == unicode.ReplacementChar || (unicode.IsControl(r) && r != '\t') {
			return true
		}
	}
	return false
}

func parseResend(s string) Event {
	idx := strings.IndexAny(s, ": ")
	rest := strings.TrimSpace(s[idx+1:])
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, "N"), "n")
	seq, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return Unrecognized{Raw: s, Reason: reasonBadResend}
	}
	return Resend{Seq: seq}
}

func parseError(s string) Event {
	msg := s
	if strings.HasPrefix(msg, "!!") {
		msg = strings.TrimSpace(msg[2:])
	} else {
		msg = strings.TrimSpace(msg[len("error:"):])
	}
	lower := strings.ToLower(msg)
	recoverable := strings.Contains(lower, "line number") ||
		strings.Contains(lower, "checksum") ||
		strings.Contains(lower, "no line number")
	return FirmwareError{Message: msg, Recoverable: recoverable}
}

func parseTemperatures(s string) (TemperatureReport, bool) {
	matches := heaterToken.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return TemperatureReport{}, false
	}

	tr := TemperatureReport{Tools: map[int]Reading{}}
	var active *Reading
	for _, m := range matches {
		r := Reading{Current: parseFloat(m[2]), Target: parseFloat(m[3])}
		switch name := m[1]; {
		case name == "B":
			bed := r
			tr.Bed = &bed
		case name == "T":
			active = &r
		default:
			n, err := strconv.Atoi(name[1:])
			if err != nil {
				continue
			}
			tr.Tools[n] = r
		}
	}
	// A bare "T:" is the active tool. With explicit T<n> tokens present it
	// is a duplicate; otherwise it is tool 0.
	if active != nil && len(tr.Tools) == 0 {
		tr.Tools[0] = *active
	}
	return tr, true
}

func parsePosition(s string) (PositionReport, bool) {
	// Marlin appends stepper counts after "Count"; those are not positions.
	if i := strings.Index(s, "Count"); i >= 0 {
		s = s[:i]
	}
	matches := axisToken.FindAllStringSubmatch(s, -1)
	if len(matches) < 3 {
		return PositionReport{}, false
	}
	var pr PositionReport
	seen := 0
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		switch m[1] {
		case "X":
			pr.X = v
		case "Y":
			pr.Y = v
		case "Z":
			pr.Z = v
		case "E":
			pr.E = v
		}
		seen++
	}
	return pr, seen >= 3
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	// ParseFloat accepts "nan" and "inf"; a heater never reports those.
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
