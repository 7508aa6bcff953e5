package sdk

// Args carries the decoded arguments of a tool call. Values arrive as
// JSON-decoded Go values, so every number is a float64; the typed getters
// absorb that so handlers never juggle type assertions.
type Args map[string]any

// Has reports whether key is present.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns the string under key, or "".
func (a Args) String(key string) string {
	return a.StringOr(key, "")
}

// StringOr returns the string under key, or fallback when the key is
// missing or holds a non-string.
func (a Args) StringOr(key, fallback string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return fallback
}

// Int returns the number under key truncated to int, or 0.
func (a Args) Int(key string) int {
	return a.IntOr(key, 0)
}

// IntOr returns the number under key truncated to int, or fallback.
func (a Args) IntOr(key string, fallback int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

// Float returns the number under key, or 0.
func (a Args) Float(key string) float64 {
	return a.FloatOr(key, 0)
}

// FloatOr returns the number under key, or fallback.
func (a Args) FloatOr(key string, fallback float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// Bool returns the bool under key, or false.
func (a Args) Bool(key string) bool {
	return a.BoolOr(key, false)
}

// BoolOr returns the bool under key, or fallback.
func (a Args) BoolOr(key string, fallback bool) bool {
	if v, ok := a[key].(bool); ok {
		return v
	}
	return fallback
}
