package temporal

import (
	"testing"
	"time"
)

func TestParseClinicalTime(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string // RFC3339, empty means nil
	}{
		{"iso date", "2024-01-15", "2024-01-15T00:00:00Z"},
		{"iso datetime", "2024-01-15T09:30:00", "2024-01-15T09:30:00Z"},
		{"iso with Z", "2024-01-15T09:30:00Z", "2024-01-15T09:30:00Z"},
		{"iso with offset", "2024-01-15T09:30:00+02:00", "2024-01-15T09:30:00+02:00"},
		{"space separated", "2024-01-15 09:30:00", "2024-01-15T09:30:00Z"},
		{"compact date", "20240115", "2024-01-15T00:00:00Z"},
		{"compact minutes", "202401150930", "2024-01-15T09:30:00Z"},
		{"compact seconds", "20240115093045", "2024-01-15T09:30:45Z"},
		{"compact with zone", "20240115093045+0500", "2024-01-15T09:30:45+05:00"},
		{"compact negative zone", "20240115093045-0800", "2024-01-15T09:30:45-08:00"},
		{"date prefix fallback", "2024-01-15 morning", "2024-01-15T00:00:00Z"},
		{"empty", "", ""},
		{"whitespace", "   ", ""},
		{"garbage", "not a date", ""},
		{"short digits", "202401", ""},
		{"odd digit length", "202401150", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseClinicalTime(tt.raw)
			if tt.want == "" {
				if got != nil {
					t.Errorf("ParseClinicalTime(%q) = %v, want nil", tt.raw, got)
				}
				return
			}
			want, err := time.Parse(time.RFC3339, tt.want)
			if err != nil {
				t.Fatalf("bad expectation %q: %v", tt.want, err)
			}
			if got == nil {
				t.Fatalf("ParseClinicalTime(%q) = nil, want %v", tt.raw, want)
			}
			if !got.Equal(want) {
				t.Errorf("ParseClinicalTime(%q) = %v, want %v", tt.raw, got, want)
			}
		})
	}
}
