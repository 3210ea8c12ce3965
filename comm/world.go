package comm

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collective"
	"github.com/unixpickle/gradsync/procgroup"
)

// RunWorld runs f once per process of w, each with its own
// Communicator built on the bootstrap path over a simulated
// fabric, and drives the event loop until every process is
// done. Communicators are destroyed after f returns.
//
// The first error of the lowest failing rank is returned;
// failing that, the event loop's error (e.g. a deadlock).
func RunWorld(w *procgroup.World, cfg Config, f func(c *Communicator) error) error {
	reducer, err := cfg.Allreducer()
	if err != nil {
		return errors.Wrap(err, "run world")
	}
	fabric := collective.NewWorldFabric(w, reducer)
	errs := make([]error, w.Size())
	w.Spawn(func(p *procgroup.Process) {
		c, err := New(ProcessEnv(p, fabric), cfg)
		if err != nil {
			errs[p.Rank()] = err
			return
		}
		if err := f(c); err != nil {
			errs[p.Rank()] = err
			c.Destroy()
			return
		}
		errs[p.Rank()] = c.Destroy()
	})
	loopErr := w.Loop.Run()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return loopErr
}
