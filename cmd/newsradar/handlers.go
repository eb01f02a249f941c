package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/newsradar/internal/config"
	"github.com/elonfeng/newsradar/internal/logging"
	"github.com/elonfeng/newsradar/internal/metrics"
	"github.com/elonfeng/newsradar/internal/scheduler"
	"github.com/elonfeng/newsradar/internal/store"
	"github.com/elonfeng/newsradar/pkg/enrich"
	"github.com/elonfeng/newsradar/pkg/llm"
	"github.com/elonfeng/newsradar/pkg/notify"
	"github.com/elonfeng/newsradar/pkg/server"
	"github.com/elonfeng/newsradar/pkg/source"
	"github.com/elonfeng/newsradar/pkg/topic"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(os.Stderr, cfg.Log.Level)
	return cfg, nil
}

func setup() (*config.Config, *store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, db, nil
}

func buildRouter(cfg *config.Config) *source.Router {
	client := &http.Client{Timeout: cfg.Fetch.ParseTimeout()}
	limits := cfg.SourceLimits()
	return source.NewRouter().
		Register(source.KindRSS, source.NewRSS(client, cfg.Fetch.UserAgent, limits)).
		Register(source.KindYouTube, source.NewYouTube(client, cfg.Fetch.UserAgent, limits)).
		Register(source.KindNewspaper, source.NewNewspaper(client, cfg.Fetch.UserAgent, limits))
}

func buildHub(cfg *config.Config) *notify.Hub {
	var notifiers []notify.Notifier

	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.Notify.Slack.WebhookURL))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewDiscord(cfg.Notify.Discord.WebhookURL))
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.Webhook.URL, cfg.Notify.Webhook.Secret))
	}

	return notify.NewHub(notifiers...)
}

// buildProvider returns nil when no reasoning service is configured; topic
// clustering and enrichment are then skipped.
func buildProvider(ctx context.Context, cfg *config.Config) (*llm.Limited, error) {
	p, err := llm.New(ctx, llm.Config{
		Provider:          cfg.LLM.Provider,
		Model:             cfg.LLM.Model,
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	if errors.Is(err, llm.ErrNoAPIKey) {
		logging.Warn("no llm api key, topic clustering and enrichment disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	logging.Info("llm provider ready", "provider", p.Name())
	return p, nil
}

func buildPipelines(cfg *config.Config, db store.Store, hub scheduler.Broadcaster, clusterer scheduler.Clusterer, enricher scheduler.Enricher, counters *metrics.Counters) []*scheduler.Pipeline {
	router := buildRouter(cfg)
	opts := scheduler.Options{
		WatermarkSize: cfg.Watermark.Size,
		FirstRunLimit: cfg.Watermark.FirstRunLimit,
		FetchTimeout:  cfg.Fetch.ParseTimeout(),
	}

	var pipelines []*scheduler.Pipeline
	for _, cat := range cfg.Registry().Categories() {
		pipelines = append(pipelines, scheduler.NewPipeline(cat, db, router, hub, clusterer, enricher, counters, opts))
	}
	return pipelines
}

func timelinePolicy(cfg *config.Config) topic.Policy {
	return topic.Policy{MinBest: cfg.Topic.Timeline.MinBest, MinAvg: cfg.Topic.Timeline.MinAvg}
}

func runDaemon(ctx context.Context, port int) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	if port == 0 {
		port = cfg.Server.Port
	}

	counters := metrics.New()
	hub := buildHub(cfg)

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if provider != nil {
		defer provider.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	var clusterer scheduler.Clusterer
	if cfg.Topic.Enabled && provider != nil {
		engine := topic.NewEngine(db, provider, hub, counters, topic.Options{
			SampleSize: cfg.Topic.SampleSize,
			Timeout:    cfg.Topic.ParseTimeout(),
		})
		dispatcher := topic.NewDispatcher(engine.Handle, cfg.Topic.Workers, cfg.Topic.QueueSize, counters)
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
		clusterer = dispatcher

		g.Go(func() error {
			engine.CatchUp(ctx, cfg.Topic.CatchUpLimit, cfg.Topic.ParseCatchUpDelay())
			return nil
		})
	}

	var enricher scheduler.Enricher
	if cfg.Enrich.Enabled && provider != nil {
		enricher = enrich.New(provider, enrich.Options{
			Language:          cfg.Enrich.Language,
			SummarizeMinChars: cfg.Enrich.SummarizeMinChars,
			VideoPosts:        cfg.Enrich.VideoPosts,
		})
	}

	sched := scheduler.New(buildPipelines(cfg, db, hub, clusterer, enricher, counters)...)
	srv := server.New(db, cfg.Registry(), hub, counters, server.Options{
		Port:      port,
		Scheduler: sched,
		Timeline:  timelinePolicy(cfg),
	})

	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	err = g.Wait()
	logging.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runServe(ctx context.Context, port int) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	if port == 0 {
		port = cfg.Server.Port
	}

	srv := server.New(db, cfg.Registry(), notify.NewHub(), nil, server.Options{
		Port:     port,
		Timeline: timelinePolicy(cfg),
	})
	return srv.ListenAndServe(ctx)
}

func runPoll(ctx context.Context, categories []string, cycles int, jsonOutput bool) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	pipelines := buildPipelines(cfg, db, nil, nil, nil, nil)
	if len(categories) > 0 {
		wanted := make(map[string]bool, len(categories))
		for _, c := range categories {
			wanted[strings.TrimSpace(c)] = true
		}
		var selected []*scheduler.Pipeline
		for _, p := range pipelines {
			if wanted[p.Category().Name] {
				selected = append(selected, p)
			}
		}
		if len(selected) == 0 {
			return fmt.Errorf("no matching categories for: %s", strings.Join(categories, ", "))
		}
		pipelines = selected
	}

	sched := scheduler.New(pipelines...)
	var reports []scheduler.CycleReport
	for i := 0; i < max(cycles, 1) && ctx.Err() == nil; i++ {
		reports = append(reports, sched.PollAll(ctx)...)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()

	totalNew, totalErrors := 0, 0
	for _, r := range reports {
		fmt.Printf("%s (%s, %s)\n", r.Category, r.State, r.Duration.Round(time.Millisecond))
		for _, src := range r.Sources {
			switch {
			case src.Error != "":
				fmt.Printf("  %s %s: %s\n", red("x"), src.Name, src.Error)
				totalErrors++
			case src.Candidates == 0:
				fmt.Printf("  %s %s: nothing new\n", faint("-"), src.Name)
			default:
				fmt.Printf("  %s %s: %d candidates\n", green("v"), src.Name, src.Candidates)
			}
		}
		fmt.Printf("  %d new, %d seeded, %d duplicates, %d filtered\n",
			len(r.Persisted), r.Seeded, r.Duplicates, r.Filtered)
		if r.PersistErrors > 0 {
			fmt.Printf("  %s %d items could not be stored\n", red("x"), r.PersistErrors)
		}
		totalNew += len(r.Persisted)
		totalErrors += r.PersistErrors
	}

	fmt.Println()
	fmt.Printf("Summary: %d cycle(s)\n", len(reports))
	fmt.Printf("  %s %d new items\n", green("v"), totalNew)
	if totalErrors > 0 {
		fmt.Printf("  %s %d errors\n", red("x"), totalErrors)
	}
	return nil
}

func runThread(ctx context.Context, id string, raw, jsonOutput bool) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.ThreadItems(ctx, id)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("thread %q not found", id)
	}

	filtered := false
	if !raw {
		items, filtered = topic.FilterTimeline(items, timelinePolicy(cfg))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"topic_id": id,
			"items":    items,
			"filtered": filtered,
		})
	}

	if items[0].TopicLabel != nil {
		fmt.Printf("%s (%s)\n\n", *items[0].TopicLabel, id)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLISHED\tSOURCE\tTITLE")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\n", it.PublishedAt.Format(time.RFC3339), it.Source, it.Title)
	}
	if filtered {
		fmt.Fprintln(w, "\t\t(unrelated items hidden, use --raw to show all)")
	}
	return w.Flush()
}

func runSources(ctx context.Context) error {
	cfg, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	wms, err := db.ListWatermarks(ctx)
	if err != nil {
		return fmt.Errorf("list watermarks: %w", err)
	}
	byKey := make(map[string]store.Watermark, len(wms))
	for _, wm := range wms {
		byKey[wm.Category+"/"+wm.Source] = wm
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tSOURCE\tKIND\tKNOWN\tLATEST\tURL")
	for _, src := range cfg.Registry().All() {
		known, latest := 0, "-"
		if wm, ok := byKey[src.Category+"/"+src.Name]; ok {
			known = wm.Window.Len()
			if !wm.LatestPublished.IsZero() {
				latest = wm.LatestPublished.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", src.Category, src.Name, src.Kind, known, latest, src.URL)
	}
	return w.Flush()
}

func runReset(ctx context.Context) error {
	_, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	color.Yellow("all items and watermarks deleted")
	return nil
}
