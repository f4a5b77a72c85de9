package build

import (
	"errors"
	"fmt"
)

// BuildError reports the target a build failed on and why.
type BuildError struct {
	Target string
	Err    error
}

func (e *BuildError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("building %q: %v", e.Target, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// failure wraps err for target unless it already names a target further down
// the dependency chain.
func failure(target string, err error) error {
	var be *BuildError
	if errors.As(err, &be) {
		return err
	}
	return &BuildError{Target: target, Err: err}
}
