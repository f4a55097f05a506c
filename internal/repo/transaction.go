package repo

import (
	"fmt"
	"sort"

	"github.com/erauner12/treesync/internal/dbpath"
	"github.com/erauner12/treesync/internal/invariant"
	"github.com/erauner12/treesync/internal/servervalue"
	"github.com/erauner12/treesync/internal/snap"
	"github.com/erauner12/treesync/internal/sparse"
	"github.com/erauner12/treesync/internal/validation"
	"github.com/erauner12/treesync/internal/view"
)

// TransactionFunc computes the new value from the current one. Returning false aborts
// the transaction without writing.
type TransactionFunc func(current any) (next any, ok bool)

// TransactionCompleteFunc receives the outcome of a transaction. snapshot holds the
// committed data, or the last input when the update function aborted.
type TransactionCompleteFunc func(err error, committed bool, snapshot view.Snapshot)

type txStatus int

const (
	// txRun: waiting to be sent
	txRun txStatus = iota
	// txSent: sent, waiting for the server
	txSent
	// txSentNeedsAbort: sent, abort once the server answers
	txSentNeedsAbort
	// txNeedsAbort: abort on the next rerun pass
	txNeedsAbort
	// txCompleted: done, waiting to be pruned
	txCompleted
)

func (s txStatus) String() string {
	switch s {
	case txRun:
		return "run"
	case txSent:
		return "sent"
	case txSentNeedsAbort:
		return "sent_needs_abort"
	case txNeedsAbort:
		return "needs_abort"
	case txCompleted:
		return "completed"
	}
	return fmt.Sprintf("txStatus(%d)", int(s))
}

type transaction struct {
	path         dbpath.Path
	update       TransactionFunc
	onComplete   TransactionCompleteFunc
	status       txStatus
	order        int64
	applyLocally bool
	retryCount   int
	unwatch      func()
	abortErr     error

	currentWriteID        int64
	currentInput          snap.Node
	currentOutputRaw      snap.Node
	currentOutputResolved snap.Node
}

// Transaction atomically replaces the data at path with update's result. update runs
// against the locally known data and reruns whenever that data changes before the
// server accepted the write. With applyLocally false the speculative result is hidden
// from listeners until the server confirms it.
func (r *Repo) Transaction(path dbpath.Path, update TransactionFunc, onComplete TransactionCompleteFunc, applyLocally bool) error {
	if err := validateWritePath(path); err != nil {
		return err
	}
	var onErr func(error)
	if onComplete != nil {
		onErr = func(err error) { onComplete(err, false, emptySnapshot(path)) }
	}
	r.do("transaction", onErr, func() {
		r.startTransaction(path, update, onComplete, applyLocally)
	})
	return nil
}

func emptySnapshot(path dbpath.Path) view.Snapshot {
	return view.NewSnapshot(path, snap.Empty, snap.PriorityIndex)
}

func (r *Repo) startTransaction(path dbpath.Path, update TransactionFunc, onComplete TransactionCompleteFunc, applyLocally bool) {
	r.logger.Debug().Str("path", path.String()).Msg("transaction started")

	// keep the location synchronized while the transaction is pending
	query := view.DefaultQuery(path)
	watch := view.NewValueRegistration(func(view.Snapshot) {}, nil)
	r.eventQueue.RaiseEventsAtPath(path, r.serverSyncTree.AddEventRegistration(query, watch))
	unwatch := func() {
		r.eventQueue.RaiseEventsAtPath(path, r.serverSyncTree.RemoveEventRegistration(query, watch, nil))
	}

	txn := &transaction{
		path:         path,
		update:       update,
		onComplete:   onComplete,
		order:        r.nextTransactionN,
		applyLocally: applyLocally,
		unwatch:      unwatch,
	}
	r.nextTransactionN++

	current := r.latestState(path, nil)
	txn.currentInput = current
	next, ok := update(current.Val(false))
	if !ok {
		unwatch()
		if onComplete != nil {
			onComplete(nil, false, view.NewSnapshot(path, current, snap.PriorityIndex))
		}
		return
	}
	if err := validation.ValidateData(path, next); err != nil {
		unwatch()
		if onComplete != nil {
			onComplete(fmt.Errorf("transaction failed: %w", err), false, emptySnapshot(path))
		}
		return
	}

	txn.status = txRun
	node := r.transactions.Subtree(path)
	queue, _ := node.Value()
	node.SetValue(append(queue, txn))

	// an explicit .priority in next wins over the current priority
	unresolved := snap.NodeFromJSON(next, current.Priority())
	resolved := servervalue.ResolveDeferredValueSnapshot(unresolved, r.serverValues())
	txn.currentOutputRaw = unresolved
	txn.currentOutputResolved = resolved
	txn.currentWriteID = r.nextWrite()

	events := r.serverSyncTree.ApplyUserOverwrite(path, resolved, txn.currentWriteID, applyLocally)
	r.eventQueue.RaiseEventsForChangedPath(path, events)
	r.sendReadyTransactions(r.transactions)
}

func (r *Repo) latestState(path dbpath.Path, exclude []int64) snap.Node {
	if n := r.serverSyncTree.CalcCompleteEventCache(path, exclude); n != nil {
		return n
	}
	return snap.Empty
}

// sendReadyTransactions sends the queue under the shallowest node holding transactions
// once every transaction in it is ready
func (r *Repo) sendReadyTransactions(node *sparse.Tree[[]*transaction]) {
	r.pruneCompletedTransactions(node)
	if _, ok := node.Value(); ok {
		queue := buildTransactionQueue(node)
		invariant.Check(len(queue) > 0, "sending an empty transaction queue")
		for _, txn := range queue {
			if txn.status != txRun {
				return
			}
		}
		r.sendTransactionQueue(node.Path(), queue)
		return
	}
	if node.HasChildren() {
		node.ForEachChild(func(child *sparse.Tree[[]*transaction]) {
			r.sendReadyTransactions(child)
		})
	}
}

func (r *Repo) sendTransactionQueue(path dbpath.Path, queue []*transaction) {
	setsToIgnore := make([]int64, 0, len(queue))
	for _, txn := range queue {
		setsToIgnore = append(setsToIgnore, txn.currentWriteID)
	}
	latest := r.latestState(path, setsToIgnore)
	hash := latest.Hash()

	toSend := latest
	for _, txn := range queue {
		invariant.Check(txn.status == txRun, "sending a transaction in state %s", txn.status)
		txn.status = txSent
		txn.retryCount++
		rel, ok := dbpath.RelativePath(path, txn.path)
		invariant.Check(ok, "transaction at %s queued under %s", txn.path, path)
		toSend = toSend.UpdateChild(rel, txn.currentOutputRaw)
	}

	r.logger.Debug().Str("path", path.String()).Int("transactions", len(queue)).Msg("sending transactions")
	r.server.Put(path.String(), toSend.Val(true), &hash, func(status, reason string) {
		r.do("transaction response", nil, func() {
			r.onTransactionResponse(path, queue, status, reason)
		})
	})
}

func (r *Repo) onTransactionResponse(path dbpath.Path, queue []*transaction, status, reason string) {
	if status != "ok" {
		if status == "datastale" {
			for _, txn := range queue {
				if txn.status == txSentNeedsAbort {
					txn.status = txNeedsAbort
				} else {
					txn.status = txRun
				}
			}
		} else {
			r.logger.Warn().Str("path", path.String()).Str("status", status).Str("reason", reason).Msg("transaction failed")
			for _, txn := range queue {
				txn.status = txNeedsAbort
				txn.abortErr = newError(status, reason)
			}
		}
		r.rerunTransactions(path)
		return
	}

	var events []view.Event
	var callbacks []func()
	for _, txn := range queue {
		txn.status = txCompleted
		events = append(events, r.serverSyncTree.AckUserWrite(txn.currentWriteID, false)...)
		if txn.onComplete != nil {
			cb := txn.onComplete
			s := view.NewSnapshot(txn.path, txn.currentOutputResolved, snap.PriorityIndex)
			callbacks = append(callbacks, func() { cb(nil, true, s) })
		}
		txn.unwatch()
	}
	r.pruneCompletedTransactions(r.transactions.Subtree(path))
	r.sendReadyTransactions(r.transactions)
	r.eventQueue.RaiseEventsForChangedPath(path, events)
	for _, cb := range callbacks {
		cb()
	}
}

// rerunTransactions reruns every transaction that could see a change at changed and
// returns the path of the shallowest node holding one of them
func (r *Repo) rerunTransactions(changed dbpath.Path) dbpath.Path {
	root := r.ancestorTransactionNode(changed)
	path := root.Path()
	r.rerunTransactionQueue(buildTransactionQueue(root), path)
	return path
}

func (r *Repo) rerunTransactionQueue(queue []*transaction, path dbpath.Path) {
	if len(queue) == 0 {
		return
	}

	var callbacks []func()
	var setsToIgnore []int64
	for _, txn := range queue {
		if txn.status == txRun {
			setsToIgnore = append(setsToIgnore, txn.currentWriteID)
		}
	}

	for _, txn := range queue {
		_, ok := dbpath.RelativePath(path, txn.path)
		invariant.Check(ok, "transaction at %s rerun under %s", txn.path, path)

		abort := false
		noData := false
		var abortErr error
		var events []view.Event

		switch txn.status {
		case txNeedsAbort:
			abort = true
			abortErr = txn.abortErr
			events = r.serverSyncTree.AckUserWrite(txn.currentWriteID, true)
		case txRun:
			if txn.retryCount >= r.maxRetries {
				abort = true
				abortErr = ErrMaxRetry
				events = r.serverSyncTree.AckUserWrite(txn.currentWriteID, true)
				break
			}
			current := r.latestState(txn.path, setsToIgnore)
			txn.currentInput = current
			next, ok := txn.update(current.Val(false))
			if !ok {
				abort = true
				noData = true
				events = r.serverSyncTree.AckUserWrite(txn.currentWriteID, true)
				break
			}
			if err := validation.ValidateData(txn.path, next); err != nil {
				abort = true
				abortErr = fmt.Errorf("transaction failed: %w", err)
				events = r.serverSyncTree.AckUserWrite(txn.currentWriteID, true)
				break
			}

			unresolved := snap.NodeFromJSON(next, current.Priority())
			resolved := servervalue.ResolveDeferredValueSnapshot(unresolved, r.serverValues())
			oldWriteID := txn.currentWriteID
			txn.currentOutputRaw = unresolved
			txn.currentOutputResolved = resolved
			txn.currentWriteID = r.nextWrite()
			setsToIgnore = without(setsToIgnore, oldWriteID)
			events = r.serverSyncTree.ApplyUserOverwrite(txn.path, resolved, txn.currentWriteID, txn.applyLocally)
			events = append(events, r.serverSyncTree.AckUserWrite(oldWriteID, true)...)
		}
		r.eventQueue.RaiseEventsForChangedPath(path, events)

		if !abort {
			continue
		}
		r.logger.Debug().Str("path", txn.path.String()).AnErr("reason", abortErr).Bool("nodata", noData).Msg("transaction aborted")
		txn.status = txCompleted
		r.do("transaction unwatch", nil, txn.unwatch)
		if txn.onComplete == nil {
			continue
		}
		cb := txn.onComplete
		if noData {
			s := view.NewSnapshot(txn.path, txn.currentInput, snap.PriorityIndex)
			callbacks = append(callbacks, func() { cb(nil, false, s) })
		} else {
			err, p := abortErr, txn.path
			callbacks = append(callbacks, func() { cb(err, false, emptySnapshot(p)) })
		}
	}

	r.pruneCompletedTransactions(r.transactions)
	for _, cb := range callbacks {
		cb()
	}
	r.sendReadyTransactions(r.transactions)
}

// ancestorTransactionNode returns the shallowest node on path holding transactions, or
// the node at path when there is none
func (r *Repo) ancestorTransactionNode(path dbpath.Path) *sparse.Tree[[]*transaction] {
	node := r.transactions
	for !path.IsEmpty() {
		if _, ok := node.Value(); ok {
			break
		}
		node = node.Subtree(dbpath.FromSegments(path.Front()))
		path = path.PopFront()
	}
	return node
}

// buildTransactionQueue collects the transactions at and below node in start order
func buildTransactionQueue(node *sparse.Tree[[]*transaction]) []*transaction {
	var queue []*transaction
	node.ForEachDescendant(func(n *sparse.Tree[[]*transaction]) {
		txns, _ := n.Value()
		queue = append(queue, txns...)
	}, true, false)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].order < queue[j].order })
	return queue
}

func (r *Repo) pruneCompletedTransactions(node *sparse.Tree[[]*transaction]) {
	if queue, ok := node.Value(); ok {
		var kept []*transaction
		for _, txn := range queue {
			if txn.status != txCompleted {
				kept = append(kept, txn)
			}
		}
		if len(kept) > 0 {
			node.SetValue(kept)
		} else {
			node.ClearValue()
		}
	}
	node.ForEachChild(func(child *sparse.Tree[[]*transaction]) {
		r.pruneCompletedTransactions(child)
	})
}

// abortTransactions aborts every transaction at, above or below path because a set or
// update overrode it, and returns the path to rerun from
func (r *Repo) abortTransactions(path dbpath.Path) dbpath.Path {
	affected := r.ancestorTransactionNode(path).Path()
	node := r.transactions.Subtree(path)
	node.ForEachAncestor(func(n *sparse.Tree[[]*transaction]) bool {
		r.abortTransactionsOnNode(n, ErrOverriddenBySet)
		return false
	}, false)
	r.abortTransactionsOnNode(node, ErrOverriddenBySet)
	node.ForEachDescendant(func(n *sparse.Tree[[]*transaction]) {
		r.abortTransactionsOnNode(n, ErrOverriddenBySet)
	}, false, false)
	return affected
}

func (r *Repo) abortAllTransactions(reason error) {
	r.transactions.ForEachDescendant(func(n *sparse.Tree[[]*transaction]) {
		r.abortTransactionsOnNode(n, reason)
	}, true, false)
}

// abortTransactionsOnNode aborts the transactions stored at node. Sent ones are only
// marked; they finish aborting when the server answers.
func (r *Repo) abortTransactionsOnNode(node *sparse.Tree[[]*transaction], reason error) {
	queue, ok := node.Value()
	if !ok {
		return
	}
	var events []view.Event
	var callbacks []func()
	lastSent := -1
	for i, txn := range queue {
		switch txn.status {
		case txCompleted:
		case txSentNeedsAbort:
			// still waiting on the server; keep it queued so the answer can finish it
			lastSent = i
		case txSent:
			lastSent = i
			txn.status = txSentNeedsAbort
			txn.abortErr = reason
		default:
			invariant.Check(txn.status == txRun, "aborting a transaction in state %s", txn.status)
			txn.status = txCompleted
			txn.unwatch()
			events = append(events, r.serverSyncTree.AckUserWrite(txn.currentWriteID, true)...)
			if txn.onComplete != nil {
				cb, p := txn.onComplete, txn.path
				callbacks = append(callbacks, func() { cb(reason, false, emptySnapshot(p)) })
			}
		}
	}
	if lastSent == -1 {
		node.ClearValue()
	} else {
		node.SetValue(queue[:lastSent+1])
	}
	r.eventQueue.RaiseEventsForChangedPath(node.Path(), events)
	for _, cb := range callbacks {
		cb()
	}
}

func without(ids []int64, id int64) []int64 {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
