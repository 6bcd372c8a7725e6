// Package cli is the catharsisctl command tree: offline tools for entry files
// plus maintenance commands against a running installation's stores.
package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/config"
	"catharsis/api/internal/inbox"
	"catharsis/api/internal/logging"
	"catharsis/api/internal/markup"
	"catharsis/api/internal/search"
	"catharsis/api/internal/store"
	"catharsis/api/internal/textmodel"
)

type outputOptions struct {
	JSON bool
}

func addOutputArg(cmd *cobra.Command, oo *outputOptions) {
	cmd.Flags().BoolVar(&oo.JSON, "json", false, "Output as JSON.")
}

var bold = color.New(color.Bold).SprintFunc()

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "catharsisctl",
		Short:         "Inspect journal entries and maintain a Catharsis installation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	addDecode(cmd)
	addLint(cmd)
	addQueue(cmd)
	addTrashDay(cmd)
	addReindex(cmd)
	addMigrate(cmd)
	return cmd
}

func readEntry(path string) (string, error) {
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		return string(raw), err
	}
	raw, err := os.ReadFile(path)
	return string(raw), err
}

func printJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func addDecode(topLevel *cobra.Command) {
	oo := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "decode <file>",
		Short: "Print the blocks, annotations and issues of an entry file",
		Example: `
catharsisctl decode content.cmk
catharsisctl decode - --json < content.cmk
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readEntry(args[0])
			if err != nil {
				return err
			}
			result := markup.Decode("", content)
			if oo.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"entryId":     result.Document.EntryID,
					"blocks":      result.Document.Blocks,
					"annotations": result.Annotations,
					"issues":      issueStrings(result.Issues),
				})
			}
			writeDecoded(cmd.OutOrStdout(), result)
			return nil
		},
	}
	addOutputArg(cmd, oo)
	topLevel.AddCommand(cmd)
}

func writeDecoded(w io.Writer, result markup.Result) {
	_, _ = fmt.Fprintf(w, "%s %s\n\n", bold("Entry"), result.Document.EntryID)

	blocks := uitable.New()
	blocks.Separator = "  "
	blocks.MaxColWidth = 60
	blocks.AddRow(bold("Block"), bold("Kind"), bold("Text"))
	for _, block := range result.Document.Blocks {
		kind := string(block.Kind)
		if block.Kind == textmodel.KindHeading {
			kind = fmt.Sprintf("%s %d", kind, block.Level)
		}
		blocks.AddRow(block.ID, kind, block.Text())
	}
	_, _ = fmt.Fprintln(w, blocks)

	if len(result.Annotations) > 0 {
		items := uitable.New()
		items.Separator = "  "
		items.MaxColWidth = 40
		items.AddRow(bold("Annotation"), bold("Anchor"), bold("Emotion"), bold("State"), bold("Excerpt"))
		for _, item := range result.Annotations {
			items.AddRow(item.ID, anchorString(item.Anchor), item.Emotion, stateString(item), excerptOf(result.Document, item.Anchor))
		}
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, items)
	}

	if len(result.Issues) > 0 {
		_, _ = fmt.Fprintln(w)
		warn := color.New(color.FgYellow).SprintFunc()
		for _, issue := range issueStrings(result.Issues) {
			_, _ = fmt.Fprintln(w, warn("! ")+issue)
		}
	}
}

func anchorString(anchor annotation.Anchor) string {
	if anchor.Whole {
		return anchor.BlockID + " (block)"
	}
	return fmt.Sprintf("%s %d..%d", anchor.BlockID, anchor.Start, anchor.End)
}

func stateString(item annotation.Annotation) string {
	if item.State == annotation.StateProcessed {
		return string(item.State) + "/" + string(item.Action)
	}
	if item.Intent != annotation.IntentNone {
		return string(item.State) + " (" + string(item.Intent) + ")"
	}
	return string(item.State)
}

func excerptOf(doc textmodel.Document, anchor annotation.Anchor) string {
	text, ok := doc.TextOf(anchor.BlockID)
	if !ok || anchor.Whole {
		return text
	}
	sliced, _ := textmodel.Slice16(text, anchor.Start, anchor.End)
	return sliced
}

func issueStrings(issues []markup.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Error())
	}
	return out
}

func addLint(topLevel *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "lint <file>",
		Short: "Check that an entry file decodes cleanly and re-encodes to itself",
		Example: `
catharsisctl lint data/repos/ent_1234/content.cmk
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readEntry(args[0])
			if err != nil {
				return err
			}
			problems := Lint(content)
			out := cmd.OutOrStdout()
			if len(problems) == 0 {
				_, _ = fmt.Fprintln(out, color.GreenString("ok"))
				return nil
			}
			for _, problem := range problems {
				_, _ = fmt.Fprintln(out, color.RedString("✗ ")+problem)
			}
			return fmt.Errorf("%d problem(s) in %s", len(problems), args[0])
		},
	}
	topLevel.AddCommand(cmd)
}

// Lint lists everything that keeps content from being a clean, stable
// encoding: decode issues and a re-encode that differs from the input.
func Lint(content string) []string {
	result := markup.Decode("", content)
	problems := issueStrings(result.Issues)
	encoded, err := markup.Encode(result.Document, result.Annotations)
	if err != nil {
		return append(problems, "re-encode failed: "+err.Error())
	}
	if encoded != strings.TrimRight(content, "\n") && len(result.Issues) == 0 {
		problems = append(problems, "content is not in canonical form")
	}
	return problems
}

// stores opens the installation's database and optional Redis cache from
// config.
type stores struct {
	cfg   config.Config
	db    *sql.DB
	data  *store.PostgresStore
	cache inbox.Cache
	close func()
}

func openStores(ctx context.Context) (*stores, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s := &stores{cfg: cfg, db: db, data: store.NewPostgresStore(db)}
	closers := []func(){func() { _ = db.Close() }}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		if redisStore, err := inbox.NewRedisStore(cfg.RedisURL); err == nil {
			s.cache = redisStore
			closers = append(closers, func() { _ = redisStore.Close() })
		}
	}
	s.close = func() {
		for _, fn := range closers {
			fn()
		}
	}
	return s, nil
}

func (s *stores) inbox() *inbox.Service {
	return inbox.NewService(s.data, s.cache, inbox.Options{
		Interval: s.cfg.TrashDayInterval,
		Logger:   logging.New(os.Stderr, s.cfg.LogLevel, "console"),
	})
}

func addQueue(topLevel *cobra.Command) {
	oo := &outputOptions{}
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List every annotation across entries, waiting ones first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer s.close()
			queue, err := s.inbox().Queue(ctx)
			if err != nil {
				return err
			}
			if oo.JSON {
				return printJSON(cmd.OutOrStdout(), queue)
			}
			writeQueue(cmd.OutOrStdout(), queue)
			return nil
		},
	}
	addOutputArg(cmd, oo)
	topLevel.AddCommand(cmd)
}

func writeQueue(w io.Writer, queue []annotation.QueueEntry) {
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.AddRow(bold("Annotation"), bold("Entry"), bold("Emotion"), bold("State"), bold("Created"))
	for _, item := range queue {
		state := string(item.State)
		if item.State == annotation.StateNew {
			state = color.CyanString(state)
		}
		tbl.AddRow(item.AnnotationID, item.EntryID, item.Emotion, state, item.CreatedAt.Format("2006-01-02 15:04"))
	}
	_, _ = fmt.Fprintln(w, tbl)
}

func addTrashDay(topLevel *cobra.Command) {
	oo := &outputOptions{}
	var reviewed bool
	cmd := &cobra.Command{
		Use:   "trash-day",
		Short: "Show whether the weekly review is due",
		Example: `
catharsisctl trash-day
catharsisctl trash-day --reviewed
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer s.close()
			var status inbox.TrashDay
			if reviewed {
				status, err = s.inbox().MarkReviewed(ctx)
			} else {
				status, err = s.inbox().TrashDay(ctx)
			}
			if err != nil {
				return err
			}
			if oo.JSON {
				return printJSON(cmd.OutOrStdout(), status)
			}
			writeTrashDay(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reviewed, "reviewed", false, "Record that the review happened now.")
	addOutputArg(cmd, oo)
	topLevel.AddCommand(cmd)
}

func writeTrashDay(w io.Writer, status inbox.TrashDay) {
	tbl := uitable.New()
	tbl.Separator = "  "
	due := color.GreenString("no")
	if status.Due {
		due = color.RedString("yes")
	}
	last := "never"
	if status.LastReviewed != nil {
		last = status.LastReviewed.Format("2006-01-02 15:04")
	}
	tbl.AddRow(bold("Due"), due)
	tbl.AddRow(bold("Waiting"), fmt.Sprint(status.AnyNew))
	tbl.AddRow(bold("Last reviewed"), last)
	tbl.AddRow(bold("Interval"), status.Interval)
	_, _ = fmt.Fprintln(w, tbl)
}

func addReindex(topLevel *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Push every entry and annotation from Postgres into Meilisearch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer s.close()
			if strings.TrimSpace(s.cfg.MeiliURL) == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			logger := logging.New(os.Stderr, s.cfg.LogLevel, "console")
			meiliClient := search.NewMeili(s.cfg.MeiliURL, s.cfg.MeiliMasterKey, logger)
			defer meiliClient.Close()
			if !meiliClient.Healthy() {
				return fmt.Errorf("meilisearch at %s is not healthy", s.cfg.MeiliURL)
			}
			entries, annotations, err := search.NewService(meiliClient, search.NewPgFTS(s.db), logger).Reindex(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d entries and %d annotations\n", entries, annotations)
			if s.cache != nil {
				if err := s.cache.InvalidateQueue(ctx); err != nil {
					logger.Warn().Err(err).Msg("queue cache invalidate failed")
				}
			}
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}

func addMigrate(topLevel *cobra.Command) {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations, or roll every one back with --down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if down {
				rolled, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migrations\n", rolled)
				return nil
			}
			if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("migrations up to date"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every applied migration")
	topLevel.AddCommand(cmd)
}
