package buildrig

// PreconditionError reports invalid or missing input detected before any
// remote or stateful action has happened.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }
