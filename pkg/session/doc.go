/*
Package session implements control sessions, the caller-facing handle over channel control.

A Session is created by Manager.Acquire. It bundles one control gate per write channel
with a live cache of the latest samples on its read channels. Writes are forwarded only
while the session's gate holds control of the channel and are silently dropped otherwise.
WaitUntil blocks on a broadcast signal raised by every sample on the read set and every
arbitration change on the session's gates; it never polls.
*/
package session
