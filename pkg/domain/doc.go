/*
Package domain contains the core value types of the Arbiter control authority manager.

It defines the vocabulary shared by the arbitration core, the session layer and every
adapter. This package is kept pure and free of external dependencies like I/O or
persistence, following Hexagonal Architecture principles.

# Key Entities

  - Authority: the 0-255 priority a claimant holds over a channel (255 is absolute).
  - Region: the time interval covered by one claim, open while the claim is live.
  - GateState: the lifecycle of a claim (Pending, Controlling, Subordinate, Closed).
  - Channel: a capability interface implemented per channel kind (persisted, virtual, calculated).
  - Sample: one timestamped value observed on, or written to, a channel.
  - Transfer: the event raised whenever control of a channel changes hands.
*/
package domain
