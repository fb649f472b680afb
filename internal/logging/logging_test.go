package logging

import "testing"

func TestNew(t *testing.T) {
	cases := []struct {
		env, level string
		wantErr    bool
	}{
		{"development", "", false},
		{"production", "warn", false},
		{"production", "loud", true},
	}
	for _, tc := range cases {
		l, err := New(tc.env, tc.level)
		if (err != nil) != tc.wantErr {
			t.Fatalf("New(%q, %q) err = %v", tc.env, tc.level, err)
		}
		if err == nil && l == nil {
			t.Fatalf("nil logger")
		}
	}
}
