package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/routinesync/internal/engine"
	"github.com/roach88/routinesync/internal/identity"
)

// WhoamiView is the JSON form of the whoami command.
type WhoamiView struct {
	Owner   string `json:"owner"`
	Guest   bool   `json:"guest"`
	Pending int    `json:"pending"`
}

// NewWhoamiCommand creates the whoami command.
func NewWhoamiCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "whoami",
		Short:         "Show the active owner and its queue depth",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				st, err := eng.Status(ctx)
				if err != nil {
					return exitFor("failed to read status", err)
				}
				view := WhoamiView{Owner: st.Owner.String(), Guest: st.Guest, Pending: st.Pending}
				return formatter(cmd, opts).Render(view, func(w io.Writer) {
					kind := "signed in"
					if view.Guest {
						kind = "guest"
					}
					fmt.Fprintf(w, "%s (%s), %d pending\n", view.Owner, kind, view.Pending)
				})
			})
		},
	}
}

// NewLoginCommand creates the login command.
func NewLoginCommand(opts *RootOptions) *cobra.Command {
	var (
		userID string
		token  string
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in; later commands act on the user's data",
		Long: `Sign in as a user. The session is stored in the database.

Guest data stays in its own partition and is not merged.

Example:
  routinesync login --user-id u1 --token s3cret
  routinesync login --user-id u1 --token s3cret --verify`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(cmd, opts, verify)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := eng.Close(); closeErr != nil {
					slog.Error("error closing engine", "error", closeErr)
				}
			}()

			ctx := commandContext(cmd)
			if err := eng.Identity.SignIn(ctx, identity.Session{UserID: userID, Token: token}); err != nil {
				return exitFor("failed to sign in", err)
			}
			owner := eng.Owner().String()
			return formatter(cmd, opts).Render(map[string]string{"owner": owner}, func(w io.Writer) {
				fmt.Fprintf(w, "Signed in as %s\n", owner)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "user id (required)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (required)")
	cmd.Flags().BoolVar(&verify, "verify", false, "check the token against the remote first")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "logout",
		Short:         "Sign out and return to the guest partition",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.Identity.SignOut(ctx); err != nil {
					return exitFor("failed to sign out", err)
				}
				owner := eng.Owner().String()
				return formatter(cmd, opts).Render(map[string]string{"owner": owner}, func(w io.Writer) {
					fmt.Fprintf(w, "Signed out; now %s\n", owner)
				})
			})
		},
	}
}
