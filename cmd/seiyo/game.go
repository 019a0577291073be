// ABOUTME: Game commands: advance live dialogue, render the story history, and export or import save files.
// ABOUTME: None of them needs an LLM, so they work offline and without an API key.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hiratazx/SeiyoHighFork-sub002/history"
	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/session"
)

func (c *cli) newNextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the next line of the current scene",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			g, err := app.Games.Update(cmd.Context(), func(g *session.GameState) error {
				g.Live.Advance()
				return nil
			})
			if err != nil {
				return err
			}
			if g.Live.InFlight == nil {
				c.printf("(no more lines; run `seiyo run segment_transition` or `seiyo run end_of_day`)\n")
				return nil
			}
			e := g.Live.InFlight
			c.printf("%s: %s\n", e.Speaker, e.Dialogue)
			if e.DialogueTranslation != "" {
				c.printf("  %s\n", e.DialogueTranslation)
			}
			return nil
		},
	}
}

func (c *cli) newHistoryCommand() *cobra.Command {
	var (
		format       string
		outPath      string
		translations bool
		motivations  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Render the story so far",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			g, err := app.Games.Load(cmd.Context())
			if err != nil {
				return err
			}
			days := g.History()
			opts := history.ExportOptions{Title: g.Title, WithTranslations: translations, WithMotivations: motivations}

			var rendered string
			switch format {
			case "md", "markdown":
				rendered = history.Markdown(days, opts)
			case "html":
				rendered, err = history.HTML(days, opts)
			case "yaml":
				rendered, err = history.YAML(days, opts)
			case "json":
				var data []byte
				data, err = json.MarshalIndent(days, "", "  ")
				rendered = string(data) + "\n"
			default:
				return fmt.Errorf("unknown format %q (want md, html, yaml, or json)", format)
			}
			if err != nil {
				return err
			}
			if outPath == "" {
				c.printf("%s", rendered)
				return nil
			}
			if err := os.WriteFile(outPath, []byte(rendered), 0o644); err != nil {
				return fmt.Errorf("write history: %w", err)
			}
			c.eprintf("wrote %s\n", outPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&format, "format", "f", "md", "output format: md, html, yaml, json")
	f.StringVarP(&outPath, "out", "o", "", "write to a file instead of stdout")
	f.BoolVar(&translations, "translations", false, "include dialogue translations")
	f.BoolVar(&motivations, "motivations", false, "include character motivations")
	return cmd
}

func (c *cli) newExportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a save file with the game and every pipeline's progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			g, err := app.Games.Load(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := session.Export(cmd.Context(), g, app.Runner)
			if err != nil {
				return err
			}
			data, err := snap.Marshal()
			if err != nil {
				return err
			}
			if outPath == "" {
				c.printf("%s\n", data)
				return nil
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write save: %w", err)
			}
			c.eprintf("wrote %s (%d pipelines)\n", outPath, len(snap.Pipelines))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to a file instead of stdout")
	return cmd
}

func (c *cli) newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the current session with a save file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read save: %w", err)
			}
			app, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			snap, err := session.Import(data, app.Config.Order())
			if err != nil {
				return err
			}
			for _, kind := range pipeline.Kinds {
				app.Coord.Cancel(kind)
			}
			if err := session.Restore(cmd.Context(), snap, app.Games, app.Runner); err != nil {
				return err
			}
			c.printf("imported %q: day %d, %d archived days, %d pipelines in progress\n",
				snap.Game.Title, snap.Game.Day, len(snap.History(app.Config.Order())), len(snap.Pipelines))
			return nil
		},
	}
}
