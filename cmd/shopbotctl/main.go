// Command shopbotctl is the operator CLI for tenant indexes and ad hoc
// queries. It works on the local index directory named in the config.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/shopbot/engine/app"
	"github.com/WessleyAI/shopbot/engine/corpus"
	"github.com/WessleyAI/shopbot/engine/domain"
	"github.com/WessleyAI/shopbot/engine/rag"
	"github.com/WessleyAI/shopbot/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd(openApp).Execute(); err != nil {
		os.Exit(1)
	}
}

// opener wires the components a command needs.
type opener func(ctx context.Context, cfgPath string, parts app.Parts) (*app.App, error)

func openApp(ctx context.Context, cfgPath string, parts app.Parts) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.NewLogger(os.Stderr, cfg.Log.Level), parts)
}

type cli struct {
	open    opener
	cfgPath string
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "shopbotctl",
		Short: "Manage shopbot tenant indexes",
		Long: `shopbotctl builds, inspects and queries tenant indexes directly,
without going through the API server.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&c.cfgPath, "config", "shopbot.yaml", "path to the YAML config")
	root.AddCommand(c.buildCmd(), c.staleCmd(), c.searchCmd(), c.askCmd(), c.clearCmd(), c.infoCmd(), c.tenantsCmd())
	return root
}

// with opens the app for one command and closes it afterwards.
func (c *cli) with(cmd *cobra.Command, parts app.Parts, f func(a *app.App) error) error {
	a, err := c.open(cmd.Context(), c.cfgPath, parts)
	if err != nil {
		return err
	}
	defer a.Close()
	return f(a)
}

func sourceDir(a *app.App, tenant, dir string) string {
	if dir != "" {
		return dir
	}
	return filepath.Join(a.Config.Corpus.Root, tenant)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) buildCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "build <tenant>",
		Short: "Build a tenant index if its sources changed",
		Long: `Build chunks and embeds the tenant's source directory and swaps the new
index in. An up-to-date index is left alone unless --force is given.

Examples:
  shopbotctl build acme
  shopbotctl build acme --dir ./catalogs/acme --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, app.Parts{}, func(a *app.App) error {
				res, err := a.Corpus.BuildDir(cmd.Context(), args[0], sourceDir(a, args[0], dir), force)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if res.Skipped {
					fmt.Fprintf(out, "%s: up to date (%d chunks, %s)\n", args[0], res.Metadata.Chunks, res.Metadata.Generation)
					return nil
				}
				fmt.Fprintf(out, "%s: built %d chunks from %d documents (%s)\n",
					args[0], res.Metadata.Chunks, res.Metadata.Documents, res.Metadata.Generation)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "source directory (default <corpus root>/<tenant>)")
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even when the index is current")
	return cmd
}

func (c *cli) staleCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "stale <tenant>",
		Short: "Report whether a tenant index needs rebuilding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, app.Parts{}, func(a *app.App) error {
				files, err := corpus.ListSources(sourceDir(a, args[0], dir))
				if err != nil {
					return err
				}
				stale, err := a.Corpus.IsStale(args[0], files)
				if err != nil {
					return err
				}
				state := "current"
				if stale {
					state = "stale"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d source files)\n", args[0], state, len(files))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "source directory (default <corpus root>/<tenant>)")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <tenant> <query...>",
		Short: "Show the nearest chunks for a query",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, app.Parts{}, func(a *app.App) error {
				hits, err := a.Corpus.Search(cmd.Context(), args[0], strings.Join(args[1:], " "), k)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "POS\tDISTANCE\tSOURCE\tTEXT")
				for _, h := range hits {
					fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\n", h.Position, h.Distance, filepath.Base(h.Chunk.Source), preview(h.Chunk.Text, 80))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&k, "top", "k", 5, "number of results")
	return cmd
}

func (c *cli) askCmd() *cobra.Command {
	var (
		conversation string
		user         string
		name         string
	)
	cmd := &cobra.Command{
		Use:   "ask <tenant> <query...>",
		Short: "Answer a query through the full pipeline",
		Long: `Ask runs a query through analysis, retrieval and generation and prints
the reply as JSON. A tenant with no chatbot record gets a default one.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, app.Parts{Query: true}, func(a *app.App) error {
				ctx := cmd.Context()
				tenant := args[0]
				if _, ok, err := a.Store.Chatbot(ctx, tenant); err != nil {
					return err
				} else if !ok {
					if name == "" {
						name = tenant
					}
					if err := a.Store.SaveChatbot(ctx, domain.Chatbot{ID: tenant, Name: name}); err != nil {
						return err
					}
				}
				reply := a.Service.ProcessQuery(ctx, rag.Query{
					TenantID:       tenant,
					UserID:         user,
					ConversationID: conversation,
					Text:           strings.Join(args[1:], " "),
				})
				if err := printJSON(cmd.OutOrStdout(), reply); err != nil {
					return err
				}
				if reply.Status == domain.StatusError && reply.Err != nil {
					return reply.Err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "continue an existing conversation")
	cmd.Flags().StringVar(&user, "user", "shopbotctl", "user id recorded on the conversation")
	cmd.Flags().StringVar(&name, "name", "", "chatbot name when creating a default record")
	return cmd
}

func (c *cli) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <tenant>",
		Short: "Remove every index generation of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, app.Parts{}, func(a *app.App) error {
				if err := a.Corpus.Clear(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: cleared\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <tenant>",
		Short: "Print the live index metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.with(cmd, app.Parts{}, func(a *app.App) error {
				meta, err := a.Corpus.Metadata(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), meta)
			})
		},
	}
}

func (c *cli) tenantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "List tenants with a live index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.with(cmd, app.Parts{}, func(a *app.App) error {
				tenants, err := a.Corpus.Tenants()
				if err != nil {
					return err
				}
				for _, t := range tenants {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
