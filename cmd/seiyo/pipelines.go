// ABOUTME: Pipeline commands: run, retry, status, accept, reset, and the interactive dashboard.
// ABOUTME: Progress streams to stderr; outcomes, failures, and remedies print to stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/hiratazx/SeiyoHighFork-sub002/pipeline"
	"github.com/hiratazx/SeiyoHighFork-sub002/stages"
	"github.com/hiratazx/SeiyoHighFork-sub002/tui"
)

const kindsHelp = `Kinds:
  new_game             build the world, cast, day plan, and opening scene
  end_of_day           summarize the day and prepare the next morning
  segment_transition   summarize the segment and write the next scene`

func (c *cli) newRunCommand() *cobra.Command {
	var (
		from    int
		useTUI  bool
		accept  bool
		title   string
		premise string
	)
	cmd := &cobra.Command{
		Use:   "run <kind>",
		Short: "Run or resume a generation pipeline",
		Long: `Run a pipeline from its first incomplete step. Completed steps are never
repeated; pass --from N to discard everything after step N and run again.

` + kindsHelp,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pipeline.ParseKind(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := c.open(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Start(ctx)

			var opts []pipeline.RunOption
			if cmd.Flags().Changed("from") {
				opts = append(opts, pipeline.WithFromStep(pipeline.Step(from)))
			}
			if useTUI {
				return c.dashboard(ctx, app, kind, title, premise, true, opts)
			}

			app.SetListener(progressPrinter(c.env.errOut))
			rc, err := app.RunContext(ctx, kind, title, premise)
			if err != nil {
				return err
			}
			out, err := app.Coord.Run(ctx, kind, rc, opts...)
			if err != nil {
				return err
			}
			return c.finish(ctx, app, out, accept)
		},
	}
	f := cmd.Flags()
	f.IntVar(&from, "from", 0, "keep steps up to N and rerun the rest (0 starts over)")
	f.BoolVar(&useTUI, "tui", false, "run with the interactive dashboard")
	f.BoolVar(&accept, "accept", false, "accept the result as soon as it is ready")
	f.StringVar(&title, "title", "", "working title for a new game")
	f.StringVar(&premise, "premise", "", "premise for a new game")
	return cmd
}

func (c *cli) newRetryCommand() *cobra.Command {
	var accept bool
	cmd := &cobra.Command{
		Use:   "retry <kind> <step>",
		Short: "Re-run only the stage that completes step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pipeline.ParseKind(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			ctx := cmd.Context()
			app, err := c.open(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Start(ctx)
			app.SetListener(progressPrinter(c.env.errOut))

			rc, err := app.RunContext(ctx, kind, "", "")
			if err != nil {
				return err
			}
			out, err := app.Coord.Retry(ctx, kind, pipeline.Step(n), rc)
			if err != nil {
				return err
			}
			return c.finish(ctx, app, out, accept)
		},
	}
	cmd.Flags().BoolVar(&accept, "accept", false, "accept the result if the pipeline becomes ready")
	return cmd
}

// finish reports an outcome and optionally accepts a ready result.
func (c *cli) finish(ctx context.Context, app *App, out pipeline.Outcome, accept bool) error {
	switch out.Status {
	case pipeline.OutcomeReady:
		c.printf("%s ready (step %d)\n", out.Kind, out.Step)
		if !accept {
			c.printf("run `seiyo accept %s` to apply it\n", out.Kind)
			return nil
		}
		return c.accept(ctx, app, out.Kind)
	case pipeline.OutcomeAdvanced:
		c.printf("%s step %d done; run `seiyo run %s` to continue\n", out.Kind, out.Step, out.Kind)
		return nil
	case pipeline.OutcomeBlocked:
		c.printf("%s blocked: %v\n", out.Kind, pipeline.ErrBlockedByOtherTab)
		return newExitError(2)
	case pipeline.OutcomeFailed:
		c.printFailure(out.Kind, out.Error)
		return newExitError(1)
	}
	return nil
}

func (c *cli) printFailure(kind pipeline.Kind, d *pipeline.ErrorDetail) {
	if d == nil {
		c.printf("%s failed\n", kind)
		return
	}
	category := pipeline.Classify(d)
	c.printf("%s failed at step %d (%s): %s\n", kind, d.Step, d.StageID, d.Message)
	c.printf("  category: %s  attempts: %d\n", category, d.Attempts)
	if remedies := pipeline.Remedies(category); len(remedies) > 0 {
		names := make([]string, len(remedies))
		for i, r := range remedies {
			names[i] = string(r)
		}
		c.printf("  remedies: %s\n", strings.Join(names, ", "))
	}
	if d.Deterministic() {
		c.printf("  the same failure repeated; change the input or model before retrying\n")
	}
	c.printf("  retry with `seiyo retry %s %d`\n", kind, d.Step)
}

func (c *cli) accept(ctx context.Context, app *App, kind pipeline.Kind) error {
	g, err := stages.Accept(ctx, app.Runner, app.Games, kind)
	if err != nil {
		return err
	}
	c.printf("accepted %s: %s, day %d, %s (%d lines queued)\n", kind, g.Title, g.Day, g.Segment, len(g.Live.Queued))
	return nil
}

func (c *cli) newAcceptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <kind>",
		Short: "Apply a ready pipeline result to the game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pipeline.ParseKind(args[0])
			if err != nil {
				return err
			}
			app, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			return c.accept(cmd.Context(), app, kind)
		},
	}
}

func (c *cli) newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <kind>",
		Short: "Discard all progress of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pipeline.ParseKind(args[0])
			if err != nil {
				return err
			}
			app, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			st, err := app.Runner.Reset(cmd.Context(), kind)
			if err != nil {
				return err
			}
			c.printf("reset %s (run %s)\n", kind, st.RunID)
			return nil
		},
	}
}

// statusRow is the JSON shape of one pipeline in `seiyo status --json`.
type statusRow struct {
	Kind     pipeline.Kind         `json:"kind"`
	Step     pipeline.Step         `json:"step"`
	Total    pipeline.Step         `json:"total"`
	Ready    bool                  `json:"ready"`
	Error    *pipeline.ErrorDetail `json:"error,omitempty"`
	Category pipeline.Category     `json:"category,omitempty"`
	Remedies []pipeline.Remedy     `json:"remedies,omitempty"`
}

func (c *cli) newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [kind]",
		Short: "Show pipeline progress, failures, and suggested remedies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := pipeline.Kinds
			if len(args) == 1 {
				kind, err := pipeline.ParseKind(args[0])
				if err != nil {
					return err
				}
				kinds = []pipeline.Kind{kind}
			}
			app, err := c.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			rows := make([]statusRow, 0, len(kinds))
			for _, kind := range kinds {
				row, err := pipelineStatus(cmd.Context(), app, kind)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
			if asJSON {
				enc := json.NewEncoder(c.env.out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			c.printf("%s\n", statusTable(rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func pipelineStatus(ctx context.Context, app *App, kind pipeline.Kind) (statusRow, error) {
	def, err := app.Runner.Definition(kind)
	if err != nil {
		return statusRow{}, err
	}
	st, err := app.Runner.Status(ctx, kind)
	if err != nil {
		return statusRow{}, err
	}
	row := statusRow{Kind: kind, Step: st.Step, Total: def.Final(), Ready: st.Ready}
	if d, ok := st.LastError(); ok {
		row.Error = d
		row.Category = pipeline.Classify(d)
		row.Remedies = pipeline.Remedies(row.Category)
	}
	return row, nil
}

func statusTable(rows []statusRow) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("PIPELINE", "STEP", "STATE", "LAST ERROR", "REMEDIES")
	for _, r := range rows {
		state := "idle"
		switch {
		case r.Ready:
			state = "ready"
		case r.Error != nil:
			state = "failed"
		case r.Step > 0:
			state = "partial"
		}
		lastErr, remedies := "", ""
		if r.Error != nil {
			lastErr = fmt.Sprintf("%s: %s", r.Category, truncate(r.Error.Message, 60))
			names := make([]string, len(r.Remedies))
			for i, rem := range r.Remedies {
				names[i] = string(rem)
			}
			remedies = strings.Join(names, ", ")
		}
		t.Row(string(r.Kind), fmt.Sprintf("%d/%d", r.Step, r.Total), state, lastErr, remedies)
	}
	return t.String()
}

func (c *cli) newDashboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard <kind>",
		Short: "Open the interactive dashboard without starting a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pipeline.ParseKind(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := c.open(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Start(ctx)
			return c.dashboard(ctx, app, kind, "", "", false, nil)
		},
	}
}

// dashboard runs the Bubble Tea view for kind until the user quits.
func (c *cli) dashboard(ctx context.Context, app *App, kind pipeline.Kind, title, premise string, autoStart bool, opts []pipeline.RunOption) error {
	def, err := app.Runner.Definition(kind)
	if err != nil {
		return err
	}
	st, err := app.Runner.Status(ctx, kind)
	if err != nil {
		return err
	}
	g, err := app.Games.LoadOrNew(ctx)
	if err != nil {
		return err
	}

	// the alt screen owns the terminal; send log lines to a file
	logFile, err := os.OpenFile(filepath.Join(app.Config.DataDir, "seiyo.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		log.SetOutput(logFile)
		defer func() {
			log.SetOutput(os.Stderr)
			logFile.Close()
		}()
	}

	heading := g.Title
	if heading == "" {
		heading = "seiyo"
	}
	model := tui.NewAppModel(tui.Config{
		Title:      heading,
		Definition: def,
		State:      st,
		Controller: app.Coord,
		RunContext: func(ctx context.Context) (pipeline.RunContext, error) {
			return app.RunContext(ctx, kind, title, premise)
		},
		Accept: func(ctx context.Context) error {
			_, err := stages.Accept(ctx, app.Runner, app.Games, kind)
			return err
		},
		Reset: func(ctx context.Context) error {
			_, err := app.Runner.Reset(ctx, kind)
			return err
		},
		AutoStart:  autoStart,
		RunOptions: opts,
		Context:    ctx,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	bridge := tui.NewEventBridge(p.Send)
	app.SetListener(bridge.HandleEvent)
	defer app.SetListener(nil)

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(tui.AppModel); ok && m.Err() != nil {
		c.eprintf("last error: %v\n", m.Err())
	}
	return nil
}

// progressPrinter prints lifecycle events to w.
func progressPrinter(w io.Writer) func(pipeline.Event) {
	return func(evt pipeline.Event) {
		switch evt.Type {
		case pipeline.EventPipelineStarted:
			fmt.Fprintf(w, "[pipeline] %s started\n", evt.Kind)
		case pipeline.EventPipelineResumed:
			fmt.Fprintf(w, "[pipeline] %s resumed after step %d\n", evt.Kind, evt.Step)
		case pipeline.EventStageStarted:
			fmt.Fprintf(w, "[stage] %s started\n", evt.StageID)
		case pipeline.EventStageCompleted:
			fmt.Fprintf(w, "[stage] %s completed (%v)\n", evt.StageID, evt.Data["elapsed"])
		case pipeline.EventStageSkipped:
			fmt.Fprintf(w, "[stage] %s already done\n", evt.StageID)
		case pipeline.EventStageFailed:
			fmt.Fprintf(w, "[stage] %s failed: %v\n", evt.StageID, evt.Data["message"])
		case pipeline.EventStageStalled:
			fmt.Fprintf(w, "[stage] %s is slow (%v left before timeout)\n", evt.StageID, evt.Data["remaining"])
		case pipeline.EventPipelineReady:
			fmt.Fprintf(w, "[pipeline] %s ready\n", evt.Kind)
		case pipeline.EventPipelineBlocked:
			fmt.Fprintf(w, "[pipeline] %s blocked: %v\n", evt.Kind, evt.Data["message"])
		}
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
