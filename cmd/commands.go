/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/buildinfo"
	"github.com/trenchcoat-sh/deploypulse/internal/changelog"
	"github.com/trenchcoat-sh/deploypulse/internal/classifier"
	"github.com/trenchcoat-sh/deploypulse/internal/eventlog"
	"github.com/trenchcoat-sh/deploypulse/internal/gitsource"
	"github.com/trenchcoat-sh/deploypulse/internal/model"
	"github.com/trenchcoat-sh/deploypulse/internal/notifier"
	"github.com/trenchcoat-sh/deploypulse/internal/watcher"
)

const (
	outputText = "text"
	outputJSON = "json"

	stdoutPath = "-"

	metricsShutdownTimeout = 5 * time.Second
)

func (a *app) classifyCommand() *cobra.Command {
	var (
		input       string
		output      string
		groupWindow time.Duration
		noRecord    bool
	)

	cmd := &cobra.Command{
		Use:   "classify [commit-range]",
		Short: "Classify commits and record them in the event log",
		Example: `  deploypulse classify v1.4.0..HEAD
  deploypulse classify --input commits.json --output json`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if output != outputText && output != outputJSON {
				return apperrors.Errorf(apperrors.CodeUsage, "unknown output %q", output)
			}
			if input == "" && len(args) == 0 {
				return apperrors.Errorf(apperrors.CodeUsage, "a commit range or --input is required")
			}

			commits, err := a.readCommits(ctx, input, args)
			if err != nil {
				return err
			}

			events := a.classifyAll(ctx, commits)

			if !noRecord {
				if err := a.record(ctx, events); err != nil {
					return err
				}
			}

			if groupWindow > 0 {
				updates := classifier.Coalesce(events, groupWindow, a.cfg.Rules.TitleBudget)
				return printUpdates(cmd.OutOrStdout(), output, updates)
			}
			return printEvents(cmd.OutOrStdout(), output, events)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "Read commits from a JSON file instead of git")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json")
	cmd.Flags().DurationVar(&groupWindow, "group-window", 0, "Print coalesced updates instead of single events")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "Do not append the events to the event log")

	return cmd
}

func (a *app) notifyCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "notify <event-id>",
		Short: "Send a recorded event through the rate-limited notifier",
		Long: "notify looks an event up by id or commit prefix and hands it to the notifier. " +
			"With --wait the command stays until the coalescing window closes and the " +
			"resulting notification has been delivered.",
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			l, err := a.openLog(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			ev, err := l.Get(ctx, args[0])
			if err != nil {
				return err
			}

			return a.notify(ctx, cmd.OutOrStdout(), ev, wait)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for the coalescing window and the delivery")

	return cmd
}

func (a *app) hookCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Classify HEAD, record it and notify (for post-commit hooks)",
		Long: "hook returns as soon as the commit has been recorded and any immediate " +
			"notification delivered. A window the commit opened is sent later by " +
			"flush, watch or the next invocation; pass --wait to block until it closes.",
		Example: `  # .git/hooks/post-commit
  deploypulse hook >/dev/null 2>&1 &`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			commit, err := gitsource.NewRepository(a.cfg.Repo, nil).Head(ctx)
			if err != nil {
				return err
			}

			events := a.classifyAll(ctx, []model.Commit{commit})
			if err := a.record(ctx, events); err != nil {
				return err
			}

			return a.notify(ctx, cmd.OutOrStdout(), events[0], wait)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the coalescing window and the delivery")

	return cmd
}

func (a *app) flushCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send the open notification window once it is due",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			n, cleanup, err := a.newNotifier(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			var d *notifier.Delivery
			if force {
				d, err = n.Flush(ctx)
			} else {
				d, err = n.FlushDue(ctx)
			}
			if err != nil {
				return err
			}

			if d == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to flush")
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "flushed %s (%d commits)\n", d.Update.ID, d.Update.Commits)
			return d.Wait(ctx)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Flush the open window even if it is not due yet")

	return cmd
}

func (a *app) watchCommand() *cobra.Command {
	var (
		cfg         = watcher.DefaultConfig()
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the repository and notify about every new commit",
		Long: "watch polls HEAD on an interval, records and notifies new commits and " +
			"flushes coalescing windows as they close. It runs until interrupted.",
		Example: `  deploypulse watch --interval 1m --metrics-bind-address :8080`,
		Args:    usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if cfg.Interval <= 0 {
				return apperrors.Errorf(apperrors.CodeUsage, "--interval must be positive")
			}

			l, err := a.openLog(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			n, cleanup, err := a.newNotifier(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if metricsAddr != "" {
				stop := a.serveMetrics(ctx, metricsAddr)
				defer stop()
			}

			repo := gitsource.NewRepository(a.cfg.Repo, nil)
			watcher.New(cfg, repo, a.classifier(), l, n).Start(ctx)
			return nil
		},
	}

	cmd.Flags().DurationVar(&cfg.Interval, "interval", cfg.Interval, "How often to poll the repository")
	cmd.Flags().StringVar(&cfg.Since, "since", "", "Revision to start from instead of the current HEAD")
	cmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", "",
		"Address the metrics endpoint binds to (e.g. :8080); empty disables it")

	return cmd
}

func (a *app) renderReportCommand() *cobra.Command {
	var (
		format      string
		groupWindow time.Duration
		title       string
	)

	cmd := &cobra.Command{
		Use:   "render-report <output-path>",
		Short: "Render the event log as a changelog",
		Example: `  deploypulse render-report CHANGELOG.md
  deploypulse render-report - --format json --group-window 1h`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := changelog.ParseFormat(format)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeUsage, err, "invalid --format")
			}

			l, err := a.openLog(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			events, err := l.List(ctx)
			if err != nil {
				return err
			}

			opts := changelog.DefaultOptions()
			opts.GroupWindow = groupWindow
			opts.TitleBudget = a.cfg.Rules.TitleBudget
			if title != "" {
				opts.Title = title
			}

			report, err := changelog.Render(events, opts)
			if err != nil {
				return err
			}

			if err := writeOutput(args[0], cmd.OutOrStdout(), func(w io.Writer) error {
				return report.Write(w, f)
			}); err != nil {
				return err
			}

			log.FromContext(ctx).Info("Rendered changelog",
				"output", args[0],
				"format", f,
				"sections", len(report.Sections),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(changelog.FormatMarkdown), "Output format: markdown or json")
	cmd.Flags().DurationVar(&groupWindow, "group-window", 0, "Merge events less than this apart into one section")
	cmd.Flags().StringVar(&title, "title", "", "Report title")

	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  usageArgs(cobra.NoArgs),
		// Skip configuration loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version())
		},
	}
}

// serveMetrics exposes the registry on addr until the returned func is called
func (a *app) serveMetrics(ctx context.Context, addr string) func() {
	logger := log.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "metrics server failed", "address", addr)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func (a *app) readCommits(ctx context.Context, input string, args []string) ([]model.Commit, error) {
	if input != "" {
		return gitsource.ReadFile(input)
	}
	return gitsource.NewRepository(a.cfg.Repo, nil).Commits(ctx, args...)
}

func (a *app) classifyAll(ctx context.Context, commits []model.Commit) []model.DeploymentEvent {
	events := a.classifier().ClassifyAll(ctx, commits)
	for _, ev := range events {
		a.metrics.EventsClassified.WithLabelValues(string(ev.Type), ev.Priority.String()).Inc()
	}
	return events
}

func (a *app) record(ctx context.Context, events []model.DeploymentEvent) error {
	l, err := a.openLog(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	added, err := eventlog.AppendAll(ctx, l, events)
	if err != nil {
		return err
	}

	log.FromContext(ctx).Info("Recorded events",
		"classified", len(events),
		"new", len(added),
	)
	return nil
}

// notify runs one event through the notifier. Deliveries that started are
// always joined before returning; wait additionally blocks until the window
// the event landed in has been flushed.
func (a *app) notify(ctx context.Context, out io.Writer, ev model.DeploymentEvent, wait bool) error {
	n, cleanup, err := a.newNotifier(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := n.Notify(ctx, ev)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s %s %s", model.ShortID(ev.CommitID), res.Outcome, ev.Priority)
	if !res.FlushAt.IsZero() {
		fmt.Fprintf(out, " flush at %s", res.FlushAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(out)

	delivery := res.Delivery
	if wait && delivery == nil && !res.FlushAt.IsZero() {
		if delivery, err = n.AwaitWindow(ctx, res.FlushAt); err != nil {
			return err
		}
	}

	var deliveryErr error
	if delivery != nil {
		deliveryErr = delivery.Wait(ctx)
	}
	if err := n.Drain(ctx); err != nil {
		return err
	}
	return deliveryErr
}

func printEvents(w io.Writer, output string, events []model.DeploymentEvent) error {
	if output == outputJSON {
		return writeJSON(w, events)
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s  %-11s %-8s %-28s %s\n",
			model.ShortID(ev.CommitID), ev.Type, ev.Priority,
			changelog.JoinComponents(ev.Components), ev.Title)
	}
	return nil
}

func printUpdates(w io.Writer, output string, updates []model.Update) error {
	if output == outputJSON {
		return writeJSON(w, updates)
	}
	for _, u := range updates {
		ids := make([]string, 0, len(u.CommitIDs))
		for _, id := range u.CommitIDs {
			ids = append(ids, model.ShortID(id))
		}
		fmt.Fprintf(w, "%s  %-11s %-8s %-28s %s [%s]\n",
			u.FirstAt.UTC().Format(time.RFC3339), u.Type, u.Priority,
			changelog.JoinComponents(u.Components), u.Title, strings.Join(ids, " "))
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeOutput renders into path, or into stdout when path is "-". Files are
// written next to the target and renamed so readers never see partial output.
func writeOutput(path string, stdout io.Writer, render func(io.Writer) error) (err error) {
	if path == stdoutPath {
		return render(stdout)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".deploypulse-report-*")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to create %s", path)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := render(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to write %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Wrap(apperrors.CodeStateUnavailable, err, "failed to write %s", path)
	}
	return nil
}
