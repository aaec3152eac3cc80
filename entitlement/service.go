/*
service.go - Entitlement service: ledger, profiles, entitlements

PURPOSE:
  The entry point for every credit and entitlement operation. Handlers and
  the CLI call the Service; nothing outside this package writes ledger
  entries or grants.

OPERATIONS:
  GrantCredits      admin credit movement (one ledger entry)
  Balance, History  derived balance and newest-first ledger
  Entitlements      grants held by a user
  SetBusinessMode   explicit business-rule change
  Unlock, Download  see unlock.go
  Catalog           see catalog.go

SEE ALSO:
  - store.go: persistence contract
  - rules.go: claim caps
*/
package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/verifiedmeasure/leadvault/apperr"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/lock"
	"github.com/verifiedmeasure/leadvault/logger"
)

// maxAttempts bounds retries of a transaction that hit apperr.ErrConflict.
const maxAttempts = 3

type Service struct {
	store  TxStore
	leads  leads.Store
	locker lock.Locker
	log    *logger.Logger
	rec    Recorder
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.rec = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store TxStore, catalog leads.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		leads:  catalog,
		locker: lock.NewLocal(),
		log:    logger.NewNop(),
		rec:    nopRecorder{},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// LEDGER
// =============================================================================

type GrantResult struct {
	Entry        LedgerEntry `json:"entry"`
	BalanceAfter int64       `json:"balance_after"`
}

// GrantCredits appends one ledger entry of amount credits. Negative
// amounts are corrections. An empty reason defaults to admin_grant.
func (s *Service) GrantCredits(ctx context.Context, user UserID, amount int64, reason Reason, meta map[string]any) (res GrantResult, err error) {
	start := time.Now()
	defer func() { s.rec.Observe("grant_credits", err, time.Since(start)) }()

	if user == "" {
		return GrantResult{}, apperr.InvalidInput("user_id is required")
	}
	if amount == 0 {
		return GrantResult{}, apperr.InvalidInput("amount must be non-zero")
	}
	if reason == "" {
		reason = ReasonAdminGrant
	}

	entry := LedgerEntry{
		ID:        s.newID(),
		UserID:    user,
		Delta:     amount,
		Reason:    reason,
		Meta:      meta,
		CreatedAt: s.now(),
	}
	err = s.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		bal, err := tx.Balance(ctx, user)
		res = GrantResult{Entry: entry, BalanceAfter: bal}
		return err
	})
	if err != nil {
		s.log.Error("grant credits failed", "user_id", user, "amount", amount, "error", err)
		return GrantResult{}, apperr.Persistence("grant credits", err)
	}

	s.rec.CreditsMoved(reason, amount)
	s.log.Info("credits granted", "user_id", user, "amount", amount, "reason", reason, "balance", res.BalanceAfter)
	return res, nil
}

func (s *Service) Balance(ctx context.Context, user UserID) (int64, error) {
	if user == "" {
		return 0, apperr.ErrUnauthorized
	}
	bal, err := s.store.Balance(ctx, user)
	if err != nil {
		return 0, apperr.Persistence("balance", err)
	}
	return bal, nil
}

// History returns the ledger newest first. limit <= 0 returns everything.
func (s *Service) History(ctx context.Context, user UserID, limit int) ([]LedgerEntry, error) {
	if user == "" {
		return nil, apperr.ErrUnauthorized
	}
	entries, err := s.store.Entries(ctx, user, limit)
	if err != nil {
		return nil, apperr.Persistence("ledger history", err)
	}
	return entries, nil
}

// =============================================================================
// ENTITLEMENTS & PROFILES
// =============================================================================

func (s *Service) Entitlements(ctx context.Context, user UserID, ds leads.Dataset) ([]Grant, error) {
	if user == "" {
		return nil, apperr.ErrUnauthorized
	}
	if !ds.Valid() {
		return nil, apperr.InvalidInput("unknown dataset %q", ds)
	}
	grants, err := s.store.Grants(ctx, user, ds)
	if err != nil {
		return nil, apperr.Persistence("list grants", err)
	}
	return grants, nil
}

// BusinessProfile returns the user's profile, or the default hybrid
// profile when none was saved.
func (s *Service) BusinessProfile(ctx context.Context, user UserID) (BusinessProfile, error) {
	if user == "" {
		return BusinessProfile{}, apperr.ErrUnauthorized
	}
	p, err := s.store.Profile(ctx, user)
	if err != nil {
		return BusinessProfile{}, apperr.Persistence("load profile", err)
	}
	if p == nil {
		return BusinessProfile{UserID: user, Mode: DefaultMode}, nil
	}
	return *p, nil
}

func (s *Service) SetBusinessMode(ctx context.Context, user UserID, mode BusinessMode) (BusinessProfile, error) {
	if user == "" {
		return BusinessProfile{}, apperr.ErrUnauthorized
	}
	if _, err := ParseBusinessMode(string(mode)); err != nil {
		return BusinessProfile{}, err
	}
	p := BusinessProfile{UserID: user, Mode: mode, UpdatedAt: s.now()}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return BusinessProfile{}, apperr.Persistence("save profile", err)
	}
	s.log.Info("business rule changed", "user_id", user, "mode", mode)
	return p, nil
}

func modeOf(ctx context.Context, st Store, user UserID) (BusinessMode, error) {
	p, err := st.Profile(ctx, user)
	if err != nil {
		return "", err
	}
	if p == nil {
		return DefaultMode, nil
	}
	return p.Mode, nil
}
