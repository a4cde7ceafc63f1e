/*
Package ports defines the driven ports (interfaces) for the Arbiter control core.

These interfaces decouple the arbitration logic from external implementations, allowing
the same sessions to run against memory, Redis or SQLite backends.

# Key Interfaces

  - FrameStore: persists accepted samples, serves the latest value of a channel and streams updates.
  - ChannelRegistry: answers whether a channel exists and whether it may be commanded.
  - AuditLog: records closed control regions and control transfers.
  - DistributedLocker: provides an instance lease so only one arbiter serves a namespace.
*/
package ports
