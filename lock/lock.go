/*
lock.go - Keyed mutual exclusion

PURPOSE:
  Serializes work on the same logical key (a record being unlocked, a
  batch being merged) while letting different keys run in parallel.
  This is the outer layer; stores add their own transactional locking
  inside the atomic unit, so a Locker is never the sole guarantee.

ORDERING:
  Acquire sorts and deduplicates keys before taking them, so two callers
  asking for overlapping key sets cannot deadlock.

IMPLEMENTATIONS:
  Local  in-process, keyed semaphores (single instance deployments, tests)
  Redis  bsm/redislock over go-redis (multi-instance deployments)

SEE ALSO:
  - entitlement/unlock.go: keys "leads:<record_id>"
  - staging/merge.go: keys "batch:<batch_id>"
*/
package lock

import (
	"context"
	"errors"
	"slices"
)

// ErrNotObtained is returned when a key could not be acquired in time.
var ErrNotObtained = errors.New("lock not obtained")

// Locker acquires every key or none. The returned release func is safe to
// call more than once.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
