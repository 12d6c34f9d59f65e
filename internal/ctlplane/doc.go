// Package ctlplane sequences a sharing session.
//
// # Overview
//
// The [Orchestrator] is driven from a single controller goroutine (the TUI
// update loop, or the headless share command). Every slow operation runs
// in its own goroutine and reports back through [Orchestrator.Results]; the
// controller feeds each [Result] to [Orchestrator.Handle].
//
// # Pending operations
//
// At most one [PendingOp] is outstanding. A new operation is refused with
// [ErrBusy] rather than queued. [Orchestrator.Cancel] clears the marker and
// restores the previous screen at once; the task keeps running and its
// result arrives later as stale.
//
// # Ownership
//
// Start and stop tasks borrow the firewall and forwarding handles from the
// [session.Session]. Their results carry the handles back and are always
// accepted, whatever is pending, so a loaned handle returns exactly once.
// Every other result is dropped unless it answers the pending operation.
//
//	StartSharing → StartingSharing → StartingDhcp → StartingNatPmp → Active
//	StopSharing  → StoppingSharing → Menu
package ctlplane
