package actor

// Result is the outcome of an Actor call. A degraded result still carries a
// usable Value (the error-marker text), so callers may treat it as data.
type Result[T any] struct {
	Value    T
	Tokens   int
	Degraded *Degraded
}

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.Degraded == nil }

// Degraded records why every attempt of a call failed.
type Degraded struct {
	// Attempts is the number of backend calls made.
	Attempts int
	// Err is the last failure.
	Err error
}

func (d *Degraded) Error() string {
	if d.Err == nil {
		return "actor degraded"
	}
	return "actor degraded: " + d.Err.Error()
}

func (d *Degraded) Unwrap() error { return d.Err }
