// Binary chatvault imports chat archives and searches them from the command
// line.
//
// Usage:
//
//	chatvault import <file>...        import archive exports (JSON, DOCX, PDF)
//	chatvault search -q <query>       search messages
//	chatvault rag -q <query>          retrieve context windows for a prompt
//	chatvault list                    list conversations
//	chatvault show <conversation-id>  print one conversation
//	chatvault worker                  run the embedding worker
//	chatvault stats                   archive and queue statistics
//	chatvault clear                   delete everything
//
// Configuration is read from chatvault.toml (override with CHATVAULT_CONFIG)
// plus CHATVAULT_* env vars.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	chatvault "github.com/chatvault/chatvault"
	"github.com/chatvault/chatvault/internal/app"
	"github.com/chatvault/chatvault/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "chatvault: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chatvault <import|search|rag|list|show|worker|stats|clear> [flags]")
}

func run(cmd string, args []string) error {
	ctx, cancel := app.SignalContext()
	defer cancel()

	cfg := config.Load(os.Getenv("CHATVAULT_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if os.Getenv("CHATVAULT_DEBUG") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	switch cmd {
	case "import":
		return runImport(ctx, a, args)
	case "search":
		return runSearch(ctx, a, args)
	case "rag":
		return runRAG(ctx, a, args)
	case "list":
		return runList(ctx, a, args)
	case "show":
		return runShow(ctx, a, args)
	case "worker":
		return runWorker(ctx, a)
	case "stats":
		return runStats(ctx, a)
	case "clear":
		return runClear(ctx, a, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runImport(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("import: at least one file required")
	}

	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		start := time.Now()
		report, err := a.Importer.ImportFile(ctx, data, path)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Printf("%s: format=%s imported=%d skipped=%d changed=%d empty=%d failed=%d (%s)\n",
			path, report.Format, report.Imported, report.Skipped,
			report.SkippedChanged, report.SkippedEmpty, report.Failed,
			time.Since(start).Round(time.Millisecond))
		if a.Instruments != nil {
			a.Instruments.RecordImport(ctx, report.Format, report.Imported, 0, time.Since(start))
		}
	}
	return nil
}

func runSearch(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	query := fs.String("q", "", "search query (required)")
	limit := fs.Int("n", 10, "max results")
	mode := fs.String("mode", "auto", "search mode: auto, fts, semantic, hybrid")
	conv := fs.String("conversation", "", "restrict to one conversation id")
	asJSON := fs.Bool("json", false, "print results as JSON")
	fs.Parse(args)
	if *query == "" {
		return fmt.Errorf("search: -q is required")
	}

	start := time.Now()
	results, err := a.Search.Search(ctx, chatvault.SearchRequest{
		Query:          *query,
		Limit:          *limit,
		Type:           chatvault.SearchType(*mode),
		ConversationID: *conv,
	})
	if a.Instruments != nil {
		a.Instruments.RecordSearch(ctx, *mode, len(results), time.Since(start), err)
	}
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(results)
	}
	for i, r := range results {
		fmt.Printf("%2d. [%s] %s\n    %s\n", i+1, r.Role, r.ConversationTitle, clip(r.Content, 200))
	}
	if len(results) == 0 {
		fmt.Println("no results")
	}
	return nil
}

func runRAG(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("rag", flag.ExitOnError)
	query := fs.String("q", "", "query (required)")
	topK := fs.Int("k", 5, "context windows to return")
	window := fs.Int("window", 2, "messages of context on each side")
	maxTokens := fs.Int("max-tokens", 0, "token budget over all windows, 0 = unlimited")
	markers := fs.Bool("markers", false, "wrap matches in context markers")
	asJSON := fs.Bool("json", false, "print windows as JSON")
	fs.Parse(args)
	if *query == "" {
		return fmt.Errorf("rag: -q is required")
	}

	windows, err := a.Retriever.Retrieve(ctx, *query, chatvault.ContextualParams{
		TopKWindows:    *topK,
		ContextWindow:  *window,
		MaxTokens:      *maxTokens,
		IncludeMarkers: *markers,
		Deduplicate:    true,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		return printJSON(windows)
	}
	for i, w := range windows {
		fmt.Printf("--- window %d (score %.3f, ~%d tokens) ---\n%s\n\n", i+1, w.AggregatedScore, w.TokenEstimate, w.Content)
	}
	if len(windows) == 0 {
		fmt.Println("no context found")
	}
	return nil
}

func runList(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	page := fs.Int("page", 1, "page number")
	limit := fs.Int("n", 20, "conversations per page")
	asJSON := fs.Bool("json", false, "print as JSON")
	fs.Parse(args)

	pageOut, err := a.Archive.ListConversations(ctx, *page, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(pageOut)
	}
	for _, c := range pageOut.Conversations {
		fmt.Printf("%s  %-40s  %s\n", c.ID, clip(c.Title, 40), clip(c.Preview, 60))
	}
	fmt.Printf("page %d/%d (%d conversations)\n",
		pageOut.Pagination.Page, pageOut.Pagination.TotalPages, pageOut.Pagination.Total)
	return nil
}

func runShow(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print as JSON")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("show: exactly one conversation id required")
	}

	detail, err := a.Archive.GetConversation(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(detail)
	}
	fmt.Printf("# %s\n\n", detail.Title)
	for _, m := range detail.Messages {
		name := m.Role
		if m.Role == chatvault.RoleAssistant {
			name = detail.AssistantName
		}
		fmt.Printf("[%s]\n%s\n\n", name, m.Content)
	}
	return nil
}

func runWorker(ctx context.Context, a *app.App) error {
	go a.Reclaimer().Run(ctx)
	err := a.Worker().Run(ctx)
	if ctx.Err() != nil {
		return nil // clean shutdown
	}
	return err
}

func runStats(ctx context.Context, a *app.App) error {
	stats, err := a.Archive.Stats(ctx)
	if err != nil {
		return err
	}
	convs, err := a.Store.CountConversations(ctx)
	if err != nil {
		return err
	}
	queue, err := a.Queue.QueueStats(ctx)
	if err != nil {
		return err
	}
	coverage, err := a.Store.EmbeddingCoverage(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("conversations: %d\nmessages:      %d\nembedded:      %d/%d (%.1f%%)\n",
		convs, stats.DocumentCount,
		coverage.Embedded, coverage.Messages, coverage.Pct())
	fmt.Printf("queue:         pending=%d leased=%d completed=%d failed=%d\n",
		queue.Pending, queue.Leased, queue.Completed, queue.Failed)
	return nil
}

func runClear(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	force := fs.Bool("force", false, "skip confirmation")
	fs.Parse(args)

	if !*force {
		fmt.Print("delete the entire archive? type yes to confirm: ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}
	result, err := a.Archive.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
