/*
Package observability turns control events into metrics, logs and audit records.

Each concern is exposed as a domain.ControlHooks value; combine them with
domain.MergeHooks and pass the result to control.WithHooks. Hooks run after the
controller lock is released, so they may call back into the registry.
*/
package observability
