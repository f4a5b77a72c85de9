package proc

import (
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// outputs hands a traced child real file descriptors for stdout and stderr.
//
// A traced process is reaped by the tracer loop rather than exec.Cmd.Wait, so
// the copy goroutines exec would create for non-file writers are never
// joined. Writers that are not *os.File are fed through pipes owned here.
type outputs struct {
	stdout, stderr *os.File
	childEnds      []*os.File
	copies         errgroup.Group
}

func newOutputs(stdout, stderr io.Writer) (*outputs, error) {
	o := &outputs{}
	var err error
	if o.stdout, err = o.attach(stdout); err != nil {
		o.closeChildEnds()
		return nil, err
	}
	if o.stderr, err = o.attach(stderr); err != nil {
		o.closeChildEnds()
		return nil, err
	}
	return o, nil
}

func (o *outputs) attach(w io.Writer) (*os.File, error) {
	if f, ok := w.(*os.File); ok {
		return f, nil
	}
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	o.childEnds = append(o.childEnds, wr)
	o.copies.Go(func() error {
		defer r.Close()
		_, err := io.Copy(w, r)
		return err
	})
	return wr, nil
}

// closeChildEnds drops the parent's copies of the pipe write ends so the
// readers see EOF once every child has exited.
func (o *outputs) closeChildEnds() {
	for _, f := range o.childEnds {
		f.Close()
	}
	o.childEnds = nil
}

// wait blocks until all output has been copied.
func (o *outputs) wait() error {
	o.closeChildEnds()
	return o.copies.Wait()
}
