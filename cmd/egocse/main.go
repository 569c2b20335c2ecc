// Package main provides egocse, a command line tool that renders the ego-cse
// documents and inspects FriendFeed profiles without running the server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atlet99/ego-cse/internal/config"
	"github.com/atlet99/ego-cse/internal/friendfeed"
	"github.com/atlet99/ego-cse/internal/templates"
	"github.com/atlet99/ego-cse/internal/version"
	"github.com/atlet99/ego-cse/pkg/logger"
)

// cli holds state shared by the subcommands
type cli struct {
	cfg      *config.Config
	logger   *slog.Logger
	baseURL  string
	cseURL   string
	name     string
	nickname string
	patterns []string
	lookup   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the egocse command tree
func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "egocse",
		Short:         "Render personal Custom Search Engine documents for FriendFeed users",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger.New(cfg.LogLevel, cmd.ErrOrStderr())
			if c.baseURL == "" {
				c.baseURL = cfg.PublicBaseURL
			}
			if c.cseURL == "" {
				c.cseURL = cfg.CSEURL
			}
			for flag, value := range map[string]string{"--base-url": c.baseURL, "--cse-url": c.cseURL} {
				if err := config.ValidateHTTPURL(value); err != nil {
					return fmt.Errorf("%s is invalid: %w", flag, err)
				}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.baseURL, "base-url", "", "public origin used in links (default from PUBLIC_BASE_URL)")
	root.PersistentFlags().StringVar(&c.cseURL, "cse-url", "", "Google Custom Search endpoint (default from CSE_URL)")

	root.AddCommand(c.newRenderCmd(), c.newPatternsCmd(), c.newFriendsCmd(), newVersionCmd())
	return root
}

func (c *cli) newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "render user|osd|cref|annotations",
		Short:     "Render a document to stdout",
		Long:      "Render the install page, OpenSearch description, CSE definition or annotations for a nickname.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"user", "osd", "cref", "annotations"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRender(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().StringVar(&c.nickname, "nickname", "", "FriendFeed nickname")
	cmd.Flags().StringVar(&c.name, "name", "", "display name (defaults to the nickname)")
	cmd.Flags().StringSliceVar(&c.patterns, "pattern", nil, "CSE site pattern to annotate, repeatable")
	cmd.Flags().BoolVar(&c.lookup, "lookup", false, "fetch name and patterns from the FriendFeed profile")
	_ = cmd.MarkFlagRequired("nickname")
	return cmd
}

func (c *cli) runRender(ctx context.Context, out io.Writer, document string) error {
	renderer, err := templates.NewRenderer(c.baseURL, c.cseURL)
	if err != nil {
		return err
	}

	nickname := strings.ToLower(c.nickname)
	name := c.name
	patterns := c.patterns

	if c.lookup {
		profile, err := friendfeed.NewClient(c.cfg, c.logger).Profile(ctx, nickname)
		if err != nil {
			return err
		}
		if name == "" {
			name = friendfeed.DisplayName(profile, nickname)
		}
		patterns = append(patterns, friendfeed.CSEPatterns(profile)...)
	}
	if name == "" {
		name = nickname
	}

	switch document {
	case "user":
		return renderer.User(out, name, nickname)
	case "osd":
		return renderer.OSD(out, name, nickname)
	case "cref", "annotations":
		list, err := renderer.AnnotationListString(nickname, patterns)
		if err != nil {
			return err
		}
		if document == "annotations" {
			return renderer.Annotations(out, list)
		}
		return renderer.Cref(out, name, nickname, list)
	default:
		return fmt.Errorf("unknown document %q, want user, osd, cref or annotations", document)
	}
}

func (c *cli) newPatternsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "patterns URL...",
		Short: "Print the CSE site patterns for service profile URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, u := range args {
				for _, pattern := range friendfeed.ProfileURLToCSEPatterns(u) {
					if _, err := fmt.Fprintln(out, pattern); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func (c *cli) newFriendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "friends NICKNAME",
		Short: "List the nicknames a FriendFeed user is subscribed to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			friends, err := friendfeed.NewClient(c.cfg, c.logger).Friends(cmd.Context(), strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			for _, nickname := range friends {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), nickname); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
			return err
		},
	}
}
