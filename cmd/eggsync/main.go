package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	cl "eggsync/internal/cli"
	"eggsync/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	cfg, err := config.LoadCLIFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "eggsync",
		Short:        "Link game accounts and refresh their snapshots",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newAccountsCmd(&apiBase),
		newRefreshCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		printError(explain(err))
		os.Exit(1)
	}
}

func newClient(apiBase *string, sess cl.Session) *cl.Client {
	return cl.NewClient(cl.ResolveAPIBaseURL(*apiBase, sess))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newLoginCmd(apiBase *string) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API token for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				var err error
				if token, err = promptSecret("Token"); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			base := cl.ResolveAPIBaseURL(*apiBase, cl.Session{})
			// Listing proves the token before it is saved.
			if _, err := cl.NewClient(base).ListAccounts(ctx, token); err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{AccessToken: token, APIBaseURL: base}); err != nil {
				return err
			}
			printSuccess("Login successful. Session saved.")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token issued for your user")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newAccountsCmd(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"acc"},
		Short:   "Manage linked game accounts",
	}
	cmd.AddCommand(
		newAccountsListCmd(apiBase),
		newAccountsAddCmd(apiBase),
		newAccountsPromoteCmd(apiBase),
		newAccountsRemoveCmd(apiBase),
	)
	return cmd
}

func newAccountsListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List linked accounts, Main first",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			accounts, err := newClient(apiBase, sess).ListAccounts(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderAccounts(os.Stdout, accounts)
			return nil
		},
	}
}

func newAccountsAddCmd(apiBase *string) *cobra.Command {
	var asMain bool
	cmd := &cobra.Command{
		Use:   "add <external-id>",
		Short: "Link an account; the first one becomes Main",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			externalID, err := argOrPrompt(args, "External id")
			if err != nil {
				return err
			}
			status := ""
			if asMain {
				status = "Main"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			acc, err := newClient(apiBase, sess).CreateAccount(ctx, sess.AccessToken, externalID, status)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Linked %s as %s (id %s).", acc.ExternalID, acc.Status, acc.ID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asMain, "main", false, "make this the Main account")
	return cmd
}

func newAccountsPromoteCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <account-id>",
		Short: "Make an account the Main account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			accountID, err := argOrPrompt(args, "Account id")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			acc, err := newClient(apiBase, sess).UpdateStatus(ctx, sess.AccessToken, accountID, "Main")
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%s is now your Main account.", acc.ExternalID))
			return nil
		},
	}
}

func newAccountsRemoveCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <account-id>",
		Aliases: []string{"rm"},
		Short:   "Unlink an account",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			accountID, err := argOrPrompt(args, "Account id")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(apiBase, sess).DeleteAccount(ctx, sess.AccessToken, accountID); err != nil {
				return err
			}
			printSuccess("Account unlinked.")
			return nil
		},
	}
}

func newRefreshCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <external-id>",
		Short: "Fetch the latest snapshot, at most once every five minutes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			externalID, err := argOrPrompt(args, "External id")
			if err != nil {
				return err
			}
			// Upstream retries can take a while.
			ctx, cancel := context.WithTimeout(cmd.Context(), 90*time.Second)
			defer cancel()
			res, err := newClient(apiBase, sess).Refresh(ctx, sess.AccessToken, externalID)
			if err != nil {
				return err
			}
			renderResult(os.Stdout, res, time.Now())
			return nil
		},
	}
}

func argOrPrompt(args []string, label string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	return promptRequired(label)
}

// explain turns API status codes into hints a player can act on.
func explain(err error) string {
	var apiErr *cl.APIError
	if !errors.As(err, &apiErr) {
		return "error: " + err.Error()
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		return "error: session rejected, run `eggsync login` again"
	case http.StatusConflict:
		return "error: " + apiErr.Message + " (try again in a moment)"
	case http.StatusBadGateway:
		return "error: the game server did not answer: " + apiErr.Message
	default:
		return "error: " + apiErr.Message
	}
}
