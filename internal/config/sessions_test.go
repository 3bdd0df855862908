package config

import (
	"reflect"
	"testing"
)

func TestParseSessions(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a, b", []string{"a", "b"}},
		{" a , b ,,a,c ", []string{"a", "b", "c"}},
		{" , ,", nil},
	}
	for _, tt := range tests {
		if got := ParseSessions(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseSessions(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
