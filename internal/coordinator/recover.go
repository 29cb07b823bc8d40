package coordinator

import "github.com/coinnation/kontext-sub005/internal/core"

// recoverCollaborator turns a panic raised inside a collaborator into an
// error stored at errPtr. Use it as a deferred call.
func recoverCollaborator(name string, errPtr *error) {
	if r := recover(); r != nil {
		*errPtr = core.ErrCollaboratorPanic(name, r)
	}
}

// guard runs fn and reports a panic from it as an error.
func guard(name string, fn func() error) (err error) {
	defer recoverCollaborator(name, &err)
	return fn()
}

// readySafely wraps a readiness check so that a panic counts as not ready.
func readySafely(ready func() bool) func() bool {
	return func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		return ready()
	}
}
