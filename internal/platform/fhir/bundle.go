// Package fhir provides read-side helpers for walking FHIR bundle documents.
// Source bundles arrive in more than one schema dialect, so resources are
// handled as generic JSON objects rather than typed structs; extraction
// tolerates absent or oddly shaped fields.
package fhir

import (
	"strconv"
	"strings"
)

// Entries returns the resource object of every bundle entry. Entries without
// a resource are skipped.
func Entries(bundle map[string]any) []map[string]any {
	raw, ok := bundle["entry"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if resource, ok := entry["resource"].(map[string]any); ok {
			out = append(out, resource)
		}
	}
	return out
}

// String reads a string field, trimming whitespace.
func String(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}

// Object reads a nested object field.
func Object(obj map[string]any, key string) map[string]any {
	if obj == nil {
		return nil
	}
	nested, _ := obj[key].(map[string]any)
	return nested
}

// Array reads an array field, keeping only object elements.
func Array(obj map[string]any, key string) []map[string]any {
	if obj == nil {
		return nil
	}
	raw, ok := obj[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// ResourceType returns the resourceType field, defaulting to "Resource".
func ResourceType(resource map[string]any) string {
	if t := String(resource, "resourceType"); t != "" {
		return t
	}
	return "Resource"
}

// CodeAndDisplay extracts the primary code and a display label from the
// resource's code element. The label falls back from code.text through the
// first coding's display to the resource description, then the resource
// type.
func CodeAndDisplay(resource map[string]any) (code, display string) {
	codeObj := Object(resource, "code")
	var coding map[string]any
	if codings := Array(codeObj, "coding"); len(codings) > 0 {
		coding = codings[0]
	}
	code = String(coding, "code")
	display = String(codeObj, "text")
	if display == "" {
		display = String(coding, "display")
	}
	if display == "" {
		display = String(resource, "description")
	}
	if display == "" {
		display = ResourceType(resource)
	}
	return code, display
}

// abnormalCodes is the HL7 interpretation vocabulary treated as an abnormal
// flag on observations.
var abnormalCodes = map[string]bool{
	"H": true, "HH": true,
	"L": true, "LL": true,
	"A": true, "AA": true,
}

// AbnormalInterpretation reports whether any interpretation coding on an
// Observation carries a high/low/abnormal flag code.
func AbnormalInterpretation(resource map[string]any) bool {
	for _, interp := range Array(resource, "interpretation") {
		for _, coding := range Array(interp, "coding") {
			if abnormalCodes[strings.ToUpper(String(coding, "code"))] {
				return true
			}
		}
	}
	return false
}

// ObservationValue extracts the value and unit of an Observation, preferring
// valueQuantity over valueString.
func ObservationValue(resource map[string]any) (value, unit string) {
	if q := Object(resource, "valueQuantity"); q != nil {
		return anyToString(q["value"]), String(q, "unit")
	}
	if s, ok := resource["valueString"]; ok {
		return anyToString(s), ""
	}
	return "", ""
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		// JSON numbers decode as float64; -1 precision drops the trailing
		// fraction on integral values.
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
