package sdk

import "testing"

func TestFloat(t *testing.T) {
	p := Float(0.7)
	if p == nil || *p != 0.7 {
		t.Fatalf("Float(0.7) = %v", p)
	}
}

func TestArgsGetters(t *testing.T) {
	args := Args{
		"name":    "Ada",
		"count":   float64(3),
		"ratio":   0.5,
		"enabled": true,
	}

	if got := args.String("name"); got != "Ada" {
		t.Errorf("String(name) = %q", got)
	}
	if got := args.StringOr("missing", "fallback"); got != "fallback" {
		t.Errorf("StringOr(missing) = %q", got)
	}
	if got := args.StringOr("count", "fallback"); got != "fallback" {
		t.Errorf("StringOr on non-string = %q", got)
	}

	// JSON decoding turns every number into a float64.
	if got := args.Int("count"); got != 3 {
		t.Errorf("Int(count) = %d", got)
	}
	if got := args.IntOr("missing", 7); got != 7 {
		t.Errorf("IntOr(missing) = %d", got)
	}
	if got := args.Float("ratio"); got != 0.5 {
		t.Errorf("Float(ratio) = %v", got)
	}
	if got := args.FloatOr("missing", 1.25); got != 1.25 {
		t.Errorf("FloatOr(missing) = %v", got)
	}

	if !args.Bool("enabled") {
		t.Error("Bool(enabled) = false")
	}
	if !args.BoolOr("missing", true) {
		t.Error("BoolOr(missing, true) = false")
	}

	if !args.Has("name") || args.Has("missing") {
		t.Error("Has misreported key presence")
	}
}

func TestArgsNativeInts(t *testing.T) {
	// Handlers called directly from Go tests may pass native ints.
	args := Args{"n": 42, "big": int64(9)}

	if got := args.Int("n"); got != 42 {
		t.Errorf("Int(n) = %d", got)
	}
	if got := args.Float("big"); got != 9 {
		t.Errorf("Float(big) = %v", got)
	}
}
