package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/verifiedmeasure/leadvault/auth"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/staging"
)

// withApp opens the services for the duration of fn.
func withApp(cmd *cobra.Command, rootOpts *RootOptions, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), rootOpts.Config)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// =============================================================================
// CREDITS
// =============================================================================

func NewGrantCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Append a credit grant (negative amounts are corrections)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], err)
			}
			return withApp(cmd, rootOpts, func(a *app) error {
				res, err := a.entitlements.GrantCredits(cmd.Context(), entitlement.UserID(args[0]), amount,
					entitlement.Reason(reason), map[string]any{"granted_by": "cli"})
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", string(entitlement.ReasonAdminGrant), "ledger reason")
	return cmd
}

// =============================================================================
// STAGING
// =============================================================================

func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	var source, uploadedBy string

	cmd := &cobra.Command{
		Use:   "ingest <file.csv>",
		Short: "Stage a CSV file as a new upload batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, rootOpts, func(a *app) error {
				res, err := a.staging.Ingest(cmd.Context(), filepath.Base(args[0]), source, body, uploadedBy)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", "cli", "batch source label")
	cmd.Flags().StringVar(&uploadedBy, "uploaded-by", "cli", "recorded uploader")
	return cmd
}

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <batch-id>",
		Short: "Validate every staging row of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app) error {
				res, err := a.staging.Validate(cmd.Context(), staging.BatchID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}

func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	var approvedBy string

	cmd := &cobra.Command{
		Use:   "merge <batch-id>",
		Short: "Approve and merge a validated batch into the lead table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app) error {
				res, err := a.staging.Merge(cmd.Context(), staging.BatchID(args[0]), approvedBy)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}

	cmd.Flags().StringVar(&approvedBy, "approved-by", "cli", "recorded approver")
	return cmd
}

func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <batch-id>",
		Short: "Reject a batch that has not been merged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(a *app) error {
				b, err := a.staging.Reject(cmd.Context(), staging.BatchID(args[0]), reason)
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

// =============================================================================
// TOKENS
// =============================================================================

// NewTokenCommand mints tokens for local development. Production tokens
// come from the identity provider.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a dev bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if cfg.JWTSecret == "" {
				return fmt.Errorf("LEADVAULT_JWT_SECRET is required to mint tokens")
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.TokenTTL
			}
			v, err := auth.NewVerifier(cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			tok, err := v.Issue(args[0], r)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "admin|user")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "token lifetime")
	return cmd
}
