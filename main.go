// sidenote watches an AI chat page, extracts the sentence context around a
// text selection, asks follow-up questions through the page's own input, and
// pins the answers to persistent highlights.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/net/html"

	"sidenote/config"
	"sidenote/dom"
	"sidenote/highlight"
	"sidenote/host"
	"sidenote/session"
)

func main() {
	var cfg *config.Config

	cmd := &cli.Command{
		Name:  "sidenote",
		Usage: "sentence-context follow-up questions for AI chat pages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("SIDENOTE_LOG_LEVEL"),
				Value:   "info",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return ctx, fmt.Errorf("parse log level: %w", err)
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Logger()

			cfg, err = config.Load()
			if err != nil {
				return ctx, err
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "attach",
				Usage:     "attach to a live chat page and restore its highlights",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "headless",
						Usage: "run the browser headless",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					url := c.Args().First()
					if url == "" {
						return fmt.Errorf("usage: sidenote attach <url>")
					}
					return runAttach(cfg, url, c.Bool("headless"))
				},
			},
			{
				Name:      "list",
				Usage:     "list stored highlights for a page location",
				ArgsUsage: "<location>",
				Action: func(ctx context.Context, c *cli.Command) error {
					loc := c.Args().First()
					if loc == "" {
						return fmt.Errorf("usage: sidenote list <location>")
					}
					return runList(cfg, loc)
				},
			},
			{
				Name:      "dump",
				Usage:     "extract and render the sentence context for a selection in a page snapshot",
				ArgsUsage: "<snapshot.html>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "select",
						Usage:    "the selected text to find in the snapshot",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "location",
						Usage: "page location to associate with the snapshot",
						Value: "snapshot",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("usage: sidenote dump <snapshot.html>")
					}
					return runDump(cfg, path, c.String("select"), c.String("location"))
				},
			},
			{
				Name:  "init-config",
				Usage: "write the default config file",
				Action: func(ctx context.Context, c *cli.Command) error {
					return runInitConfig()
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("sidenote failed")
		os.Exit(1)
	}
}

// runAttach drives a live page: restore stored highlights, then keep watching
// for navigation until interrupted.
func runAttach(cfg *config.Config, url string, headless bool) error {
	storePath, err := cfg.StorePath()
	if err != nil {
		return fmt.Errorf("resolving store path: %w", err)
	}
	store := highlight.OpenDisk(storePath)

	_, site := cfg.SiteFor(url)
	opts := host.DefaultChromeOptions()
	opts.ChromePath = cfg.Chrome.Path
	opts.Headless = headless || cfg.Chrome.Headless
	if cfg.Chrome.UserAgent != "" {
		opts.UserAgent = cfg.Chrome.UserAgent
	}
	if cfg.Chrome.OpTimeoutSeconds > 0 {
		opts.OpTimeout = time.Duration(cfg.Chrome.OpTimeoutSeconds) * time.Second
	}

	adapter, err := host.AttachChrome(url, site.Selectors, opts)
	if err != nil {
		return err
	}
	defer adapter.Close()

	s, err := session.New(adapter, store, cfg)
	if err != nil {
		return err
	}
	if n := s.Restore(); n > 0 {
		log.Info().Int("count", n).Msg("restored highlights")
	}

	stop := s.StartNavigationWatch(time.Second)
	defer stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("detaching")
	return nil
}

// runList prints the stored highlight tree for a location.
func runList(cfg *config.Config, location string) error {
	storePath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	store := highlight.OpenDisk(storePath)

	recs, err := store.ForLocation(location)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no highlights stored for this location")
		return nil
	}
	for _, rec := range recs {
		printRecord(store, rec, 0)
	}
	return nil
}

func printRecord(store highlight.Store, rec highlight.Record, depth int) {
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	fmt.Printf("%s%s  %q  (%s)\n", indent, rec.ID, rec.QuotedText, rec.CreatedAt.Format(time.RFC3339))
	children, err := store.Children(rec.ID)
	if err != nil {
		return
	}
	for _, child := range children {
		printRecord(store, child, depth+1)
	}
}

// runDump exercises extraction and rendering offline: find the selection in
// the snapshot's answer turns, extract its sentence context, and print the
// rendered quote markup.
func runDump(cfg *config.Config, path, selected, location string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	_, site := cfg.SiteFor(location)
	adapter, err := host.NewStatic(f, site.Selectors, location)
	if err != nil {
		return err
	}

	s, err := session.New(adapter, highlight.NewMemStore(), cfg)
	if err != nil {
		return err
	}

	turnCount, err := adapter.TurnCount()
	if err != nil {
		return err
	}
	for i := 0; i < turnCount; i++ {
		if answer, err := adapter.IsAnswerTurn(i); err != nil || !answer {
			continue
		}
		node, err := adapter.TurnNode(i)
		if err != nil {
			continue
		}
		r, ok := dom.RangeOfMatch(node, selected)
		if !ok {
			continue
		}
		s.HandleSelection(r, selected, node, i)
		parent := &html.Node{Type: html.ElementNode, Data: "div"}
		s.RenderQuote(parent)
		for c := parent.FirstChild; c != nil; c = c.NextSibling {
			if err := html.Render(os.Stdout, c); err != nil {
				return err
			}
		}
		fmt.Println()
		return nil
	}
	return fmt.Errorf("selection %q not found in any answer turn", selected)
}

// runInitConfig writes the default config, refusing to clobber an existing
// file.
func runInitConfig() error {
	path, err := config.ConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(config.DefaultTOML()), 0o644); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}
