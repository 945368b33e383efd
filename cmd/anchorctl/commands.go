package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chronicle/anchoredit/internal/app"
	"chronicle/anchoredit/internal/auth"
	"chronicle/anchoredit/internal/authpw"
	"chronicle/anchoredit/internal/config"
	"chronicle/anchoredit/internal/rbac"
)

type rootOptions struct {
	server string
	token  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "anchorctl",
		Short:         "Review and apply anchored edit requests from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("ANCHOREDIT_SERVER", "http://localhost:8787"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("ANCHOREDIT_TOKEN"), "bearer token")

	root.AddCommand(
		newEligibleCmd(opts),
		newApplyCmd(opts),
		newRejectCmd(opts),
		newProcessCmd(opts),
		newTokenCmd(),
		newHashPasswordCmd(),
	)
	return root
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func (o *rootOptions) client() (*apiClient, error) {
	if o.token == "" {
		return nil, errors.New("a token is required: pass --token or set ANCHOREDIT_TOKEN")
	}
	return newAPIClient(o.server, o.token), nil
}

func requestsPath(documentID string, rest ...string) string {
	path := "/api/documents/" + url.PathEscape(documentID) + "/requests"
	for _, part := range rest {
		path += "/" + url.PathEscape(part)
	}
	return path
}

func newEligibleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "eligible <document-id>",
		Short: "List requests that can be processed, with their resolved anchors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var payload struct {
				Eligible []app.EligibleView `json:"eligible"`
			}
			if err := client.do(cmd.Context(), "GET", requestsPath(args[0], "eligible"), nil, &payload); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REQUEST\tSTATE\tANCHOR\tINSTRUCTION")
			for _, item := range payload.Eligible {
				anchor := item.ErrorCode
				if item.Location != nil {
					anchor = fmt.Sprintf("%d:%d-%d", item.Location.Container, item.Location.Start, item.Location.End)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.RequestID, item.State, anchor, item.Instruction)
			}
			return w.Flush()
		},
	}
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var replacement string
	cmd := &cobra.Command{
		Use:   "apply <document-id> <request-id>",
		Short: "Accept a request and write its replacement into the document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, opts, args[0], args[1], app.ApplyInput{Decision: "accept", Replacement: replacement})
		},
	}
	cmd.Flags().StringVar(&replacement, "replacement", "", "replacement text (defaults to the pending proposal)")
	return cmd
}

func newRejectCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <document-id> <request-id>",
		Short: "Reject a request, leaving the document unchanged",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, opts, args[0], args[1], app.ApplyInput{Decision: "reject", Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the request")
	return cmd
}

func runDecision(cmd *cobra.Command, opts *rootOptions, documentID, requestID string, input app.ApplyInput) error {
	client, err := opts.client()
	if err != nil {
		return err
	}
	var payload struct {
		Result app.ApplyView `json:"result"`
	}
	if err := client.do(cmd.Context(), "POST", requestsPath(documentID, requestID, "apply"), input, &payload); err != nil {
		return err
	}
	result := payload.Result
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s: %s (%s)\n", result.Decision, result.RequestID, result.Outcome, result.State)
	if result.CommitHash != "" {
		fmt.Fprintf(out, "commit %s\n", result.CommitHash)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", warning)
	}
	return nil
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <document-id>",
		Short: "Generate proposals for every eligible request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var summary app.ProcessSummary
			if err := client.do(cmd.Context(), "POST", requestsPath(args[0], "process"), nil, &summary); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range summary.Items {
				detail := item.ProposedText
				if detail == "" {
					detail = item.Reason
				}
				fmt.Fprintf(out, "%s %s: %s\n", item.RequestID, item.Status, detail)
			}
			return nil
		},
	}
}

// newTokenCmd signs a token locally with the server's configured secret.
func newTokenCmd() *cobra.Command {
	var subject, name, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if name == "" {
				name = subject
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(subject, name, string(rbac.Normalize(role)), cfg.TokenTTL))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "anchorctl", "token subject")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the subject)")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleEditor), "viewer, requester, editor or admin")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for a users[].password_hash entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := authpw.HashPassword(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the library default)")
	return cmd
}
