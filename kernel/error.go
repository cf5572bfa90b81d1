package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Allocator code runs
// before anything else is available, so errors are never built on the fly
// with errors.New or fmt.Errorf.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error in the "[module] message" form used by the panic
// banner.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
