/*
Package control implements channel control arbitration.

A Gate is one claimant's claim over one channel. Every channel with at least one open
Gate has a Controller that elects a single winner by authority; only the winner's
writes reach storage. The Registry maps channels to Controllers, creating them lazily
and removing them once their last Gate closes.

# Locking

Two locks exist: the Registry lock and one lock per Controller. They are always taken
in that order. Opening a gate takes the Registry lock only to find or create the
Controller, releases it, and then takes the Controller lock. Closing a gate takes the
Controller lock alone; only after releasing it, and only if the Controller became
empty, does it take the Registry lock and then the Controller lock again to re-check
emptiness before deleting. A Controller deleted this way is retired, so an opener
that raced the deletion retries against the Registry instead of losing its Gate.

Hooks and per-gate change callbacks are invoked after every lock is released.
*/
package control
