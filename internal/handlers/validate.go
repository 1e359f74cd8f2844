package handlers

// validateNonNil is the shared output validator for handlers whose result
// shape is enforced entirely by the Go type system; only a nil result
// (a handler bug) is rejected.
func validateNonNil(out interface{}) error {
	if out == nil {
		return errNilResult
	}
	return nil
}

type nilResultError struct{}

func (nilResultError) Error() string { return "handler returned a nil result" }

var errNilResult = nilResultError{}
