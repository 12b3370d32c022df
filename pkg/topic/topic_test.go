package topic

import (
	"testing"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// ===========================================================================
// Validate Tests
// ===========================================================================

// TestValidate verifies topic validation across well-formed and malformed
// inputs, including the rejection of wildcards in event topics.
func TestValidate(t *testing.T) {
	valid := []string{
		"a",
		"x.y",
		"orchestration.request.q1",
		"amcp.deadletter.task.request.weather",
		"seg_with-both",
		"UPPER.and.lower",
		"123.456",
	}
	for _, tt := range valid {
		t.Run("valid_"+tt, func(t *testing.T) {
			if err := Validate(tt); err != nil {
				t.Errorf("Validate(%q) = %v, want nil", tt, err)
			}
		})
	}

	invalid := []string{
		"",
		".",
		"a.",
		".a",
		"a..b",
		"a.*.b",
		"a.**",
		"*",
		"**",
		"a b",
		"a.b!",
		"tél.émétrie",
	}
	for _, tt := range invalid {
		name := tt
		if name == "" {
			name = "empty"
		}
		t.Run("invalid_"+name, func(t *testing.T) {
			err := Validate(tt)
			if err == nil {
				t.Fatalf("Validate(%q) = nil, want error", tt)
			}
			if !amcperr.HasCode(err, amcperr.CodeInvalidTopic) {
				t.Errorf("Validate(%q) code = %q, want %q", tt, amcperr.GetCode(err), amcperr.CodeInvalidTopic)
			}
		})
	}
}

// ===========================================================================
// ValidatePattern Tests
// ===========================================================================

// TestValidatePattern verifies pattern validation, in particular that "**"
// is accepted only terminally.
func TestValidatePattern(t *testing.T) {
	valid := []string{
		"a",
		"*",
		"**",
		"a.*",
		"a.*.c",
		"a.**",
		"*.*.**",
		"federation.fed-1.**",
	}
	for _, tt := range valid {
		t.Run("valid_"+tt, func(t *testing.T) {
			if err := ValidatePattern(tt); err != nil {
				t.Errorf("ValidatePattern(%q) = %v, want nil", tt, err)
			}
		})
	}

	invalid := []string{
		"",
		"a.**.b",
		"**.a",
		"a..b",
		"a.",
		"***",
		"a.b c",
	}
	for _, tt := range invalid {
		name := tt
		if name == "" {
			name = "empty"
		}
		t.Run("invalid_"+name, func(t *testing.T) {
			err := ValidatePattern(tt)
			if err == nil {
				t.Fatalf("ValidatePattern(%q) = nil, want error", tt)
			}
			if !amcperr.HasCode(err, amcperr.CodeInvalidPattern) {
				t.Errorf("code = %q, want %q", amcperr.GetCode(err), amcperr.CodeInvalidPattern)
			}
		})
	}
}

// ===========================================================================
// Matches Tests
// ===========================================================================

// TestMatches exercises the matching matrix: literals, single-segment
// wildcards, and terminal multi-segment wildcards.
func TestMatches(t *testing.T) {
	tests := []struct {
		topic   string
		pattern string
		want    bool
	}{
		// Literal matching.
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b", false},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.B.c", false}, // case-sensitive

		// Single-segment wildcard.
		{"a.b.c", "a.*.c", true},
		{"a.b.c", "*.b.*", true},
		{"a.b.c", "a.*", false},
		{"a.b.c", "a.*.*.c", false},
		{"x.y", "x.*", true},

		// Terminal multi-segment wildcard.
		{"a", "**", true},
		{"a.b.c.d", "**", true},
		{"a.b.c", "a.**", true},
		{"a", "a.**", true}, // ** matches zero segments
		{"b.c", "a.**", false},
		{"task.request.weather.current", "task.request.**", true},
		{"task.response.c1", "task.response.**", true},

		// Mixed.
		{"a.b.c.d", "a.*.**", true},
		{"a", "a.*.**", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic+"_vs_"+tt.pattern, func(t *testing.T) {
			got, err := Matches(tt.topic, tt.pattern)
			if err != nil {
				t.Fatalf("Matches(%q, %q) error: %v", tt.topic, tt.pattern, err)
			}
			if got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.topic, tt.pattern, got, tt.want)
			}
		})
	}
}

// TestMatches_MalformedInputs verifies that malformed topics and patterns
// surface as classified errors rather than panics or silent false.
func TestMatches_MalformedInputs(t *testing.T) {
	if _, err := Matches("a..b", "**"); !amcperr.HasCode(err, amcperr.CodeInvalidTopic) {
		t.Errorf("malformed topic: code = %q", amcperr.GetCode(err))
	}
	if _, err := Matches("a.b", "a.**.b"); !amcperr.HasCode(err, amcperr.CodeInvalidPattern) {
		t.Errorf("malformed pattern: code = %q", amcperr.GetCode(err))
	}
}

// TestMatches_UniversalPattern verifies that "**" matches every well-formed
// topic in a generated corpus.
func TestMatches_UniversalPattern(t *testing.T) {
	topics := []string{
		"a", "a.b", "x.y.z", "orchestration.response.c1",
		"amcp.deadletter.x.y", "federation.f1.chat",
	}
	for _, tp := range topics {
		got, err := Matches(tp, WildcardMany)
		if err != nil || !got {
			t.Errorf("Matches(%q, **) = (%v, %v), want (true, nil)", tp, got, err)
		}
	}
}
