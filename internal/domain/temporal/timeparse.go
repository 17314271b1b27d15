package temporal

import (
	"strings"
	"time"
)

// isoLayouts covers the calendar-formatted encodings seen across the tabular
// and document sources.
var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// compactLayouts maps the length of an HL7 TS digit string to its layout.
var compactLayouts = map[int]string{
	8:  "20060102",
	12: "200601021504",
	14: "20060102150405",
}

// ParseClinicalTime normalizes a raw timestamp into a single canonical
// instant. It accepts ISO calendar encodings (including a trailing Z) and
// compact HL7 TS digit strings with an optional zone suffix. Unparseable
// values yield nil; callers exclude such events rather than defaulting the
// time.
func ParseClinicalTime(raw string) *time.Time {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}

	if strings.ContainsAny(text, "T-") && !strings.HasPrefix(text, "-") {
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return &t
			}
		}
	}

	core, suffix := text, ""
	if len(text) > 14 && (text[14] == '+' || text[14] == '-') {
		core, suffix = text[:14], text[14:]
	}
	if layout, ok := compactLayouts[len(core)]; ok && isDigits(core) {
		if suffix != "" {
			if t, err := time.Parse(layout+"-0700", core+suffix); err == nil {
				return &t
			}
		}
		if t, err := time.Parse(layout, core); err == nil {
			return &t
		}
	}

	// Date-only fallback for strings with a calendar prefix.
	if len(text) >= 10 {
		if t, err := time.Parse("2006-01-02", text[:10]); err == nil {
			return &t
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
