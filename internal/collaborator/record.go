package collaborator

import (
	"strings"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one parsed collaborator line.
type Record struct {
	Tag    string
	Status Status
	Fields []string
}

// Variadic marks a status whose field count is not fixed.
const Variadic = -1

// Arity declares the exact number of fields that follow TAG;status for each
// status of a tag.
type Arity struct {
	Success int
	Error   int
	// GreedyLast joins any surplus success fields into the last declared one,
	// for payloads that may themselves contain the separator.
	GreedyLast bool
	// ReasonField indexes the error field that carries the message.
	ReasonField int
}

// ParseRecord extracts a tagged record from a line. The record may be the
// whole line or a "//"-delimited segment of it.
func ParseRecord(line string) (Record, bool) {
	for _, segment := range segments(line) {
		if rec, ok := parseSegment(segment); ok {
			return rec, true
		}
	}
	return Record{}, false
}

func segments(line string) []string {
	line = strings.TrimSpace(line)
	if !strings.Contains(line, "//") {
		return []string{line}
	}
	parts := strings.Split(line, "//")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSegment(segment string) (Record, bool) {
	parts := strings.Split(segment, ";")
	if len(parts) < 2 {
		return Record{}, false
	}
	tag := strings.TrimSpace(parts[0])
	if tag == "" || strings.ContainsAny(tag, " :=") {
		return Record{}, false
	}
	status := Status(strings.TrimSpace(parts[1]))
	if status != StatusSuccess && status != StatusError {
		return Record{}, false
	}
	return Record{Tag: tag, Status: status, Fields: parts[2:]}, true
}

// FindLast searches lines from the most recent backward for a record with
// the given tag that also satisfies match (nil accepts any record).
func FindLast(lines []string, tag string, match func(Record) bool) (Record, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		if !strings.Contains(lines[i], tag) {
			continue
		}
		rec, ok := ParseRecord(lines[i])
		if !ok || rec.Tag != tag {
			continue
		}
		if match == nil || match(rec) {
			return rec, true
		}
	}
	return Record{}, false
}

// Check validates rec against the arity and returns the normalised fields.
// An error status is returned as a Rejected error carrying the field at
// ReasonField as reason.
func (a Arity) Check(op string, rec Record) ([]string, error) {
	switch rec.Status {
	case StatusSuccess:
		fields := rec.Fields
		if a.Success == Variadic {
			return fields, nil
		}
		if a.GreedyLast && a.Success > 0 && len(fields) > a.Success {
			joined := strings.Join(fields[a.Success-1:], ";")
			fields = append(append([]string{}, fields[:a.Success-1]...), joined)
		}
		if len(fields) != a.Success {
			return nil, Malformed(op, "%s success carries %d fields, want %d", rec.Tag, len(rec.Fields), a.Success)
		}
		return fields, nil
	case StatusError:
		if a.Error != Variadic && len(rec.Fields) != a.Error {
			return nil, Malformed(op, "%s error carries %d fields, want %d", rec.Tag, len(rec.Fields), a.Error)
		}
		reason := ""
		if a.ReasonField < len(rec.Fields) {
			reason = rec.Fields[a.ReasonField]
		}
		return rec.Fields, Rejected(op, reason)
	default:
		return nil, Malformed(op, "%s has unknown status %q", rec.Tag, rec.Status)
	}
}
