package control

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"
)

// Named pairs a background source with a name for shutdown logging.
type Named struct {
	Name   string
	Closer io.Closer
}

// JoinWithTimeout closes every source concurrently and waits up to timeout
// for all of them. Sources that have not finished by then are logged and
// left behind. Close errors are joined and returned.
func JoinWithTimeout(sources []Named, timeout time.Duration) error {
	if len(sources) == 0 {
		return nil
	}
	type result struct {
		name string
		err  error
	}
	done := make(chan result, len(sources))
	for _, s := range sources {
		go func(s Named) {
			var err error
			if s.Closer != nil {
				err = s.Closer.Close()
			}
			done <- result{name: s.Name, err: err}
		}(s)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	pending := make(map[string]int, len(sources))
	for _, s := range sources {
		pending[s.Name]++
	}
	var errs []error
	for remaining := len(sources); remaining > 0; remaining-- {
		select {
		case r := <-done:
			pending[r.name]--
			if r.err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			}
		case <-timer.C:
			for name, n := range pending {
				if n > 0 {
					log.Printf("control: %s did not stop within %s", name, timeout)
				}
			}
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}
