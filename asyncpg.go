package asyncpg

import "goflare.io/asyncpg/guard"

// Guard re-exports guard.Guard so callers don't need a second import for
// the receiver-guard / cancellable-marker pattern used across every
// exec-shaped call in this module.
type Guard = guard.Guard

// NewGuard returns a live guard.
func NewGuard() *Guard { return guard.New() }
