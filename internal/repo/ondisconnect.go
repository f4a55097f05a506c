package repo

import (
	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/servervalue"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
	"github.com/erauner12/treesync/internal/validation"
)

// OnDisconnectSet asks the server to set value at path when this client disconnects
func (r *Repo) OnDisconnectSet(path dbpath.Path, value any, onComplete CompletionFunc) error {
	return r.OnDisconnectSetWithPriority(path, value, nil, onComplete)
}

// OnDisconnectSetWithPriority is OnDisconnectSet with a priority for the new data
func (r *Repo) OnDisconnectSetWithPriority(path dbpath.Path, value, priority any, onComplete CompletionFunc) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	if err := validation.ValidateData(path, value); err != nil {
		return err
	}
	if err := validation.ValidatePriority(priority); err != nil {
		return err
	}
	r.do("on disconnect set", onComplete, func() {
		n := snap.NodeFromJSON(value, priority)
		r.server.OnDisconnectPut(path.String(), n.Val(true), func(status, reason string) {
			r.do("on disconnect set response", onComplete, func() {
				if status == "ok" {
					r.rememberOnDisconnect(path, n)
				}
				r.callOnComplete(onComplete, status, reason)
			})
		})
	})
	return nil
}

// OnDisconnectUpdate asks the server to merge children into path when this client disconnects
func (r *Repo) OnDisconnectUpdate(path dbpath.Path, children map[string]any, onComplete CompletionFunc) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	if err := validation.ValidateMerge(path, children); err != nil {
		return err
	}
	r.do("on disconnect update", onComplete, func() {
		if len(children) == 0 {
			r.logger.Debug().Str("path", path.String()).Msg("on disconnect update called with no children")
			r.callOnComplete(onComplete, "ok", "")
			return
		}
		r.server.OnDisconnectMerge(path.String(), children, func(status, reason string) {
			r.do("on disconnect update response", onComplete, func() {
				if status == "ok" {
					for _, key := range sortedKeys(children) {
						r.rememberOnDisconnect(path.Join(dbpath.New(key)), snap.NodeFromJSON(children[key]))
					}
				}
				r.callOnComplete(onComplete, status, reason)
			})
		})
	})
	return nil
}

// OnDisconnectCancel withdraws every on-disconnect operation at or below path
func (r *Repo) OnDisconnectCancel(path dbpath.Path, onComplete CompletionFunc) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	r.do("on disconnect cancel", onComplete, func() {
		r.server.OnDisconnectCancel(path.String(), func(status, reason string) {
			r.do("on disconnect cancel response", onComplete, func() {
				if status == "ok" {
					r.onDisconnectMu.Lock()
					r.onDisconnect.Forget(path)
					r.onDisconnectMu.Unlock()
				}
				r.callOnComplete(onComplete, status, reason)
			})
		})
	})
	return nil
}

// PendingOnDisconnect returns the on-disconnect writes the server accepted, with server
// values resolved against the current server time estimate
func (r *Repo) PendingOnDisconnect() *sparse.SnapshotTree {
	r.onDisconnectMu.Lock()
	defer r.onDisconnectMu.Unlock()
	return servervalue.ResolveDeferredValueTree(r.onDisconnect, r.serverValues())
}

func (r *Repo) rememberOnDisconnect(path dbpath.Path, n snap.Node) {
	r.onDisconnectMu.Lock()
	defer r.onDisconnectMu.Unlock()
	r.onDisconnect.Remember(path, n)
}
