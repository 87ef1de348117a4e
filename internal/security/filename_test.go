package security

import "testing"

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"WWV_10", "WWV_10"},
		{"CHU 7.85 MHz", "CHU_7.85_MHz"},
		{"../../etc/passwd", "etc_passwd"},
		{"..", "unknown"},
		{"", "unknown"},
		{"a//b", "a_b"},
		{"wwvh-15", "wwvh-15"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
