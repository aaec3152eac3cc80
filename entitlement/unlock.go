/*
unlock.go - Atomic grant-and-debit

PURPOSE:
  Unlock turns credits into permanent grants. It is the one place where
  claim caps are enforced authoritatively.

ALGORITHM:
  1. Validate the request and take Locker keys "<dataset>:<record_id>"
     plus "user:<user_id>" (sorted) so racing unlocks of the same record
     queue up and a balance is never spent twice, while unlocks of
     different records by different users proceed in parallel.
  2. Inside one store transaction (retried on apperr.ErrConflict):
       a. take store locks on the same keys
       b. split ids into already-entitled and candidates
       c. re-read premium flags and claimant counts, re-evaluate rules
       d. any candidate locked      -> RecordLockedError, no writes
       e. balance < len(candidates) -> InsufficientCreditsError, no writes
       f. create grants, append ONE debit of -len(candidates),
          recompute each rollup
       g. re-read the entitled set; empty -> ErrNoEntitledRecords
  3. Report counts and the new balance.

ALL-OR-NOTHING:
  A request succeeds only if every candidate is grantable. Already
  entitled ids never cost anything and never fail the request.

SEE ALSO:
  - rules.go: Evaluate
  - store.go: Tx.Lock semantics
*/
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
)

type UnlockResult struct {
	NewlyGranted    int              `json:"newly_granted"`
	CostCharged     int64            `json:"cost_charged"`
	BalanceAfter    int64            `json:"balance_after"`
	GrantedIDs      []leads.RecordID `json:"granted_ids"`
	AlreadyEntitled []leads.RecordID `json:"already_entitled"`
	EntitledIDs     []leads.RecordID `json:"entitled_ids"`
}

// RecordKey is the lock key for one record.
func RecordKey(ds leads.Dataset, id leads.RecordID) string {
	return string(ds) + ":" + string(id)
}

// UserKey is the lock key for one user's balance.
func UserKey(user UserID) string {
	return "user:" + string(user)
}

func (s *Service) Unlock(ctx context.Context, user UserID, ds leads.Dataset, ids []leads.RecordID) (res UnlockResult, err error) {
	start := time.Now()
	defer func() { s.rec.Observe("unlock", err, time.Since(start)) }()

	if user == "" {
		return UnlockResult{}, apperr.ErrUnauthorized
	}
	if !ds.Valid() {
		return UnlockResult{}, apperr.InvalidInput("unknown dataset %q", ds)
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return UnlockResult{}, apperr.InvalidInput("at least one record id is required")
	}

	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, UserKey(user))
	for _, id := range ids {
		keys = append(keys, RecordKey(ds, id))
	}
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return UnlockResult{}, fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	defer release()

	for attempt := 1; ; attempt++ {
		res, err = s.unlockOnce(ctx, user, ds, ids, keys)
		if err == nil || !apperr.IsRetryable(err) || attempt == maxAttempts {
			break
		}
		s.log.Warn("unlock conflict, retrying", "user_id", user, "attempt", attempt, "error", err)
	}
	if err != nil {
		if errors.Is(err, apperr.ErrPersistence) || !apperr.Classified(err) {
			s.log.Error("unlock failed", "user_id", user, "records", len(ids), "error", err)
		}
		return UnlockResult{}, apperr.Persistence("unlock", err)
	}

	if res.CostCharged > 0 {
		s.rec.CreditsMoved(ReasonUnlock, -res.CostCharged)
	}
	s.log.Info("records unlocked",
		"user_id", user,
		"dataset", ds,
		"requested", len(ids),
		"newly_granted", res.NewlyGranted,
		"cost", res.CostCharged,
		"balance", res.BalanceAfter,
	)
	return res, nil
}

func (s *Service) unlockOnce(ctx context.Context, user UserID, ds leads.Dataset, ids []leads.RecordID, keys []string) (UnlockResult, error) {
	var res UnlockResult
	err := s.store.WithTx(ctx, func(tx Tx) error {
		res = UnlockResult{GrantedIDs: []leads.RecordID{}}
		if err := tx.Lock(ctx, keys...); err != nil {
			return err
		}

		mode, err := modeOf(ctx, tx, user)
		if err != nil {
			return err
		}

		held, err := tx.Granted(ctx, user, ds, ids)
		if err != nil {
			return err
		}
		candidates := without(ids, held)
		res.AlreadyEntitled = slices.Clone(held)

		if len(candidates) > 0 {
			if err := s.grant(ctx, tx, user, ds, mode, candidates, &res); err != nil {
				return err
			}
		}

		entitled, err := tx.Granted(ctx, user, ds, ids)
		if err != nil {
			return err
		}
		if len(entitled) == 0 {
			return apperr.ErrNoEntitledRecords
		}
		res.EntitledIDs = entitled

		res.BalanceAfter, err = tx.Balance(ctx, user)
		return err
	})
	return res, err
}

func (s *Service) grant(ctx context.Context, tx Tx, user UserID, ds leads.Dataset, mode BusinessMode, candidates []leads.RecordID, res *UnlockResult) error {
	premium, err := tx.PremiumFlags(ctx, ds, candidates)
	if err != nil {
		return err
	}
	var unknown []leads.RecordID
	for _, id := range candidates {
		if _, ok := premium[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return &UnknownRecordsError{RecordIDs: unknown}
	}

	rollups, err := tx.Rollups(ctx, ds, candidates)
	if err != nil {
		return err
	}
	var locked []leads.RecordID
	for _, id := range candidates {
		d := Evaluate(mode, premium[id], rollups[id].Claimants, false)
		if !d.Grantable() {
			locked = append(locked, id)
		}
	}
	if len(locked) > 0 {
		return &RecordLockedError{RecordIDs: locked}
	}

	cost := int64(len(candidates))
	balance, err := tx.Balance(ctx, user)
	if err != nil {
		return err
	}
	if balance < cost {
		return &InsufficientCreditsError{UserID: user, Balance: balance, Required: cost}
	}

	now := s.now()
	for _, id := range candidates {
		created, err := tx.CreateGrant(ctx, Grant{UserID: user, Dataset: ds, RecordID: id, GrantedAt: now})
		if err != nil {
			return err
		}
		if !created {
			// Someone else granted it between our read and write.
			return fmt.Errorf("%w: grant %s already exists", apperr.ErrConflict, id)
		}
	}

	ids := make([]string, len(candidates))
	for i, id := range candidates {
		ids[i] = string(id)
	}
	err = tx.AppendEntry(ctx, LedgerEntry{
		ID:        s.newID(),
		UserID:    user,
		Delta:     -cost,
		Reason:    ReasonUnlock,
		Meta:      map[string]any{"dataset": string(ds), "record_ids": ids},
		CreatedAt: now,
	})
	if err != nil {
		return err
	}

	for _, id := range candidates {
		if err := tx.RefreshRollup(ctx, ds, id); err != nil {
			return err
		}
	}

	res.GrantedIDs = slices.Clone(candidates)
	res.NewlyGranted = len(candidates)
	res.CostCharged = cost
	return nil
}

// Download unlocks ids and returns the full lead rows the caller is now
// entitled to, in request order.
func (s *Service) Download(ctx context.Context, user UserID, ds leads.Dataset, ids []leads.RecordID) (UnlockResult, []leads.Lead, error) {
	res, err := s.Unlock(ctx, user, ds, ids)
	if err != nil {
		return UnlockResult{}, nil, err
	}
	rows, err := s.leads.GetLeads(ctx, res.EntitledIDs)
	if err != nil {
		return UnlockResult{}, nil, apperr.Persistence("load entitled leads", err)
	}
	if len(rows) == 0 {
		return UnlockResult{}, nil, apperr.ErrNoEntitledRecords
	}
	return res, rows, nil
}

func uniqueIDs(ids []leads.RecordID) []leads.RecordID {
	seen := make(map[leads.RecordID]bool, len(ids))
	out := make([]leads.RecordID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func without(ids, drop []leads.RecordID) []leads.RecordID {
	out := make([]leads.RecordID, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(drop, id) {
			out = append(out, id)
		}
	}
	return out
}
