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
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/trenchcoat-sh/deploypulse/internal/apperrors"
	"github.com/trenchcoat-sh/deploypulse/internal/buildinfo"
	"github.com/trenchcoat-sh/deploypulse/internal/classifier"
	"github.com/trenchcoat-sh/deploypulse/internal/config"
	"github.com/trenchcoat-sh/deploypulse/internal/eventlog"
	"github.com/trenchcoat-sh/deploypulse/internal/hooks"
	"github.com/trenchcoat-sh/deploypulse/internal/hooks/pubsub"
	"github.com/trenchcoat-sh/deploypulse/internal/hooks/webhook"
	"github.com/trenchcoat-sh/deploypulse/internal/metrics"
	"github.com/trenchcoat-sh/deploypulse/internal/notifier"
	"github.com/trenchcoat-sh/deploypulse/internal/source"
)

const (
	metricsJob         = "deploypulse"
	metricsPushTimeout = 10 * time.Second
)

var setupLog = log.Log.WithName("setup")

// flags holds command-line overrides of the loaded configuration
type flags struct {
	configPath string
	stateDir   string
	eventLog   string
	webhookURL string
	window     time.Duration
	repo       string
}

// app carries what every command needs once flags are parsed
type app struct {
	flags   flags
	zapOpts zap.Options
	cfg     *config.Config
	metrics *metrics.Metrics
}

func main() {
	a := &app{
		zapOpts: zap.Options{Development: true},
		metrics: metrics.New(),
	}

	root := a.rootCommand()
	ctx := signals.SetupSignalHandler()

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	a.pushMetrics()
	os.Exit(apperrors.ExitCode(err))
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "deploypulse",
		Short: "Classify commits into deployment events, announce them and render changelogs",
		Long: "deploypulse classifies commits by type, priority and affected components, " +
			"records them in an append-only event log, sends rate-limited notifications " +
			"and renders user-facing changelogs.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", os.Getenv("DEPLOYPULSE_CONFIG"),
		"Path to a YAML configuration file")
	pf.StringVar(&a.flags.stateDir, "state-dir", "", "Directory for notifier state and the default event log")
	pf.StringVar(&a.flags.eventLog, "event-log", "", "Event log location: a JSON lines file or a postgres:// URL")
	pf.StringVar(&a.flags.webhookURL, "webhook-url", "", "Chat webhook that receives notifications")
	pf.DurationVar(&a.flags.window, "window", 0, "Notification coalescing window (e.g. 60s)")
	pf.StringVar(&a.flags.repo, "repo", "", "Git working copy to read commits from")

	goFlags := flag.NewFlagSet("zap", flag.ContinueOnError)
	a.zapOpts.BindFlags(goFlags)
	pf.AddGoFlagSet(goFlags)

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperrors.Wrap(apperrors.CodeUsage, err, "invalid flags")
	})

	root.AddCommand(
		a.classifyCommand(),
		a.notifyCommand(),
		a.hookCommand(),
		a.flushCommand(),
		a.renderReportCommand(),
		a.watchCommand(),
		versionCommand(),
	)

	return root
}

// setup configures logging and loads configuration before any command runs
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	log.SetLogger(zap.New(zap.UseFlagOptions(&a.zapOpts)))
	cmd.SetContext(log.IntoContext(cmd.Context(), log.Log.WithName("deploypulse")))

	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}

	f := cmd.Flags()
	if f.Changed("state-dir") {
		cfg.StateDir = a.flags.stateDir
	}
	if f.Changed("event-log") {
		cfg.EventLog = a.flags.eventLog
	}
	if f.Changed("webhook-url") {
		cfg.Webhook.URL = a.flags.webhookURL
	}
	if f.Changed("window") {
		cfg.Notifier.Window = a.flags.window
	}
	if f.Changed("repo") {
		cfg.Repo = a.flags.repo
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	return nil
}

func (a *app) classifier() *classifier.Classifier {
	return classifier.New(a.cfg.Rules)
}

func (a *app) openLog(ctx context.Context) (eventlog.Log, error) {
	return eventlog.Open(ctx, a.cfg.EventLogLocation())
}

// newNotifier wires the state store and every configured publisher. The
// returned cleanup stops publishers that hold connections.
func (a *app) newNotifier(ctx context.Context) (*notifier.Notifier, func(), error) {
	store, err := notifier.NewFileStore(a.cfg.StatePath())
	if err != nil {
		return nil, nil, err
	}

	publishers, cleanup, err := a.setupPublishers(ctx)
	if err != nil {
		return nil, nil, err
	}

	n := notifier.New(a.cfg.NotifierConfig(), store, hooks.NewDispatcher(publishers...),
		notifier.WithMetrics(a.metrics))
	return n, cleanup, nil
}

func (a *app) setupPublishers(ctx context.Context) ([]hooks.Publisher, func(), error) {
	var (
		publishers []hooks.Publisher
		closers    []func()
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if a.cfg.Webhook.URL != "" {
		wh, err := webhook.NewPublisher(a.cfg.WebhookConfig(buildinfo.Version()))
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.CodeUsage, err, "unable to create webhook publisher")
		}
		publishers = append(publishers, wh)
		closers = append(closers, func() { _ = wh.Close() })
		setupLog.V(1).Info("Webhook publisher enabled")
	}

	if a.cfg.PubSubTopic != "" {
		ps, err := pubsub.NewPublisher(ctx, a.cfg.PubSubTopic, a.source(ctx))
		if err != nil {
			cleanup()
			setupLog.Error(err, "unable to create Pub/Sub publisher",
				"hint", "Ensure valid credentials via GOOGLE_APPLICATION_CREDENTIALS or gcloud auth")
			return nil, nil, apperrors.Wrap(apperrors.CodeUsage, err, "unable to create Pub/Sub publisher")
		}
		publishers = append(publishers, ps)
		closers = append(closers, ps.Stop)
		setupLog.V(1).Info("Google Pub/Sub publisher enabled", "topic", a.cfg.PubSubTopic)
	}

	if len(publishers) == 0 {
		setupLog.Info("No publishers configured, notifications will only be logged")
	}

	return publishers, cleanup, nil
}

// source names the repository in published updates. Configuration wins over
// CI variables and the origin remote; the working copy path is the last resort.
func (a *app) source(ctx context.Context) string {
	if a.cfg.Source != "" {
		return a.cfg.Source
	}
	info, err := source.NewResolver(a.cfg.Repo).Resolve(ctx)
	if err != nil {
		setupLog.V(1).Info("Unable to resolve repository name", "reason", err.Error())
		if abs, err := filepath.Abs(a.cfg.Repo); err == nil {
			return filepath.Base(abs)
		}
		return filepath.Base(a.cfg.Repo)
	}
	return info.ID
}

// pushMetrics sends this invocation's counters to the Pushgateway, if any
func (a *app) pushMetrics() {
	if a.cfg == nil || a.cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsPushTimeout)
	defer cancel()

	if err := a.metrics.Push(ctx, a.cfg.PushgatewayURL, metricsJob); err != nil {
		setupLog.Error(err, "unable to push metrics", "gateway", a.cfg.PushgatewayURL)
	}
}

// usageArgs marks argument validation failures as usage errors
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return apperrors.Wrap(apperrors.CodeUsage, err, "%s", cmd.UseLine())
		}
		return nil
	}
}
