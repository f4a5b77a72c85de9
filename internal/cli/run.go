package cli

import (
	"context"
	"fmt"
	"io"
)

// CLIResult is the outcome of Run.
type CLIResult struct {
	ExitCode int
}

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (res CLIResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			res = CLIResult{ExitCode: ExitInternalError}
		}
	}()

	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	return CLIResult{ExitCode: ExitCode(err)}, err
}
