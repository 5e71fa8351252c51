package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/erauner12/paperdesk/internal/api"
	"github.com/erauner12/paperdesk/internal/auth"
	"github.com/erauner12/paperdesk/internal/client"
	"github.com/erauner12/paperdesk/internal/stream"
)

// Routes of the shell, passed as the request origin.
const (
	routeTopics    = "/topics"
	routeDashboard = "/dashboard"
)

// withApp wires the client for the duration of fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(a *app) error) error {
	a, err := newApp(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func readPassword(in io.Reader, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required (use --password or stdin)")
	}
	return line, nil
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log in and cache the profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				ctx := client.WithOrigin(cmd.Context(), a.cfg.LoginPath)
				user, err := a.sessions.Login(ctx, args[0], pw)
				if err != nil {
					return shellError(a.out, err)
				}
				fmt.Fprintf(a.out, "Logged in as %s (id %d)\n", user.Username, user.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when omitted)")
	return cmd
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd.InOrStdin(), password)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				ctx := client.WithOrigin(cmd.Context(), a.cfg.LoginPath)
				user, err := a.sessions.Register(ctx, api.RegisterRequest{Username: args[0], Email: email, Password: pw})
				if err != nil {
					return shellError(a.out, err)
				}
				fmt.Fprintf(a.out, "Registered %s (id %d). Run `paperdesk login %s` next.\n", user.Username, user.ID, user.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when omitted)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the credential and this user's saved records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				route, err := a.sessions.Logout(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Logged out. Redirecting to %s.\n", route)
				return nil
			})
		},
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				ctx := cmd.Context()
				identity, err := a.records.CurrentIdentity(ctx)
				if err != nil {
					return err
				}
				profile, err := a.sessions.Profile(ctx)
				if err != nil {
					return err
				}
				if profile == nil {
					fmt.Fprintf(a.out, "Not logged in (identity %s)\n", identity)
					return nil
				}

				token := a.tokens.Token()
				fmt.Fprintf(a.out, "%s <%s> (identity %s)\n", profile.Username, profile.Email, identity)
				if claims, err := auth.DecodeClaims(token); err == nil {
					fmt.Fprintf(a.out, "Token expires %s", claims.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
					if a.tokens.IsExpiringSoon(token) {
						fmt.Fprint(a.out, " (refresh due)")
					}
					fmt.Fprintln(a.out)
				}
				return nil
			})
		},
	}
}

func newTopicsCmd(opts *rootOptions) *cobra.Command {
	var req api.TopicRequest
	var save bool
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Stream thesis topic recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				return runTopics(cmd, a, req, save)
			})
		},
	}
	cmd.Flags().StringVar(&req.UserInterests, "interests", "", "research interests, comma separated")
	cmd.Flags().StringVar(&req.AcademicField, "field", "", "academic field")
	cmd.Flags().StringVar(&req.AcademicLevel, "level", "master", "academic level")
	cmd.Flags().IntVar(&req.TopicCount, "count", 3, "number of topics")
	cmd.Flags().BoolVar(&save, "save", true, "remember the generated topics for this identity")
	_ = cmd.MarkFlagRequired("interests")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}

func runTopics(cmd *cobra.Command, a *app, req api.TopicRequest, save bool) error {
	ctx := client.WithOrigin(cmd.Context(), routeTopics)
	out := a.out

	var topics []api.Topic
	var failure error
	handlers := stream.Handlers{
		OnStatus: func(msg string) { fmt.Fprintf(out, "… %s\n", msg) },
		OnInterestAnalysis: func(an api.InterestAnalysis) {
			fmt.Fprintf(out, "Key concepts: %s\n", strings.Join(an.KeyConcepts, ", "))
		},
		OnTopic: func(t api.Topic) {
			topics = append(topics, t)
			fmt.Fprintf(out, "%d. %s\n   %s\n", len(topics), t.Title, t.ResearchQuestion)
		},
		OnComplete: func(msg string) { fmt.Fprintf(out, "Done: %s\n", msg) },
		OnError:    func(err error) { failure = err },
		OnDecodeError: func(err error) {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		},
	}

	sess := a.streams.Open(ctx, a.cfg.StreamPath, req.Query(), handlers)
	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.Close()
		<-sess.Done()
		return ctx.Err()
	}

	if errors.Is(failure, stream.ErrStreamAuth) {
		return navigate(out, client.ErrSessionExpired{Redirect: true, EntryPoint: a.cfg.LoginPath})
	}
	if failure != nil {
		return failure
	}

	if save && len(topics) > 0 {
		var history [][]api.Topic
		if _, err := a.records.Get(ctx, "topicsHistory", &history); err != nil {
			return err
		}
		history = append(history, topics)
		if err := a.records.Set(ctx, "topicsHistory", history); err != nil {
			return err
		}
	}
	return nil
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show LLM token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				ctx := client.WithOrigin(cmd.Context(), routeDashboard)
				usage, err := a.api.TokenUsage(ctx, recent > 0, recent)
				if err != nil {
					return shellError(a.out, err)
				}
				total := usage.Summary.TotalUsage
				fmt.Fprintf(a.out, "Requests: %d\nTokens:   %d (prompt %d, completion %d)\nCost:     $%.4f\n",
					total.Requests, total.TotalTokens, total.PromptTokens, total.CompletionTokens, total.EstimatedCost)
				for _, rec := range usage.RecentRecords {
					fmt.Fprintf(a.out, "  %s %-18s %6d tokens\n", rec.Timestamp, rec.Task, rec.TotalTokens)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 0, "also list this many recent records")

	cmd.AddCommand(&cobra.Command{
		Use:   "export [json|csv]",
		Short: "Export usage records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := "json"
			if len(args) == 1 {
				format = args[0]
			}
			return withApp(cmd, opts, func(a *app) error {
				res, err := a.api.ExportTokenUsage(client.WithOrigin(cmd.Context(), routeDashboard), format)
				if err != nil {
					return shellError(a.out, err)
				}
				if res.Format == "json" {
					var pretty any
					if json.Unmarshal([]byte(res.Data), &pretty) == nil {
						enc := json.NewEncoder(a.out)
						enc.SetIndent("", "  ")
						return enc.Encode(pretty)
					}
				}
				fmt.Fprint(a.out, res.Data)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				res, err := a.api.ResetTokenUsage(client.WithOrigin(cmd.Context(), routeDashboard))
				if err != nil {
					return shellError(a.out, err)
				}
				fmt.Fprintf(a.out, "%s (previously %d requests)\n", res.Message, res.PreviousSummary.TotalUsage.Requests)
				return nil
			})
		},
	})
	return cmd
}
