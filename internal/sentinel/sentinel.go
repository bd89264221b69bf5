package sentinel

// Compile-time check that Error implements the error interface.
var _ error = Error("")

// Error is a sentinel error backed by a string constant. Unlike the
// pointer values produced by errors.New, an Error can be declared const,
// so the sentinel cannot be reassigned after definition.
//
// Because Error is comparable, the == fallback used by errors.Is matches
// it correctly through arbitrarily wrapped chains.
type Error string

// Error implements the error interface.
func (e Error) Error() string {
	return string(e)
}
