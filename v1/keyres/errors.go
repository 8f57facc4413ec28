package keyres

import (
	"errors"
	"fmt"
)

// ErrMalformedTemplate is returned by Parse when a template cannot be parsed.
var ErrMalformedTemplate = errors.New("keyres: malformed template")

// UnresolvedReferenceError reports a reference to an argument, field or map
// entry that is not present in the bindings.
type UnresolvedReferenceError struct {
	Name string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("keyres: unresolved reference %q", e.Name)
}

// UnsupportedValueError reports a bound value that cannot be rendered to a
// stable string.
type UnsupportedValueError struct {
	Name string
	Type string
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("keyres: value of %q (%s) has no stable string form", e.Name, e.Type)
}
