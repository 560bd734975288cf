package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"oss.nandlabs.io/hookforge/broker"
	"oss.nandlabs.io/hookforge/httpclient"
	"oss.nandlabs.io/hookforge/lifecycle"
	"oss.nandlabs.io/hookforge/loadrun"
	"oss.nandlabs.io/hookforge/model"
	"oss.nandlabs.io/hookforge/persistence"
)

// fixtureFile is the shape of a YAML collection fixture accepted by
// `hookforge loadrun --file`, a dev-convenience path that runs a
// collection once against an ephemeral in-memory gateway and prints the
// resulting report. It is not a second source of truth for collections:
// production collections are created and run through the broker.
type fixtureFile struct {
	ConcurrentUsers   int     `yaml:"concurrent_users"`
	DurationSeconds   int     `yaml:"duration_seconds"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	Webhooks          []struct {
		URL            string            `yaml:"url"`
		Method         string            `yaml:"method"`
		Headers        map[string]string `yaml:"headers"`
		QueryParams    map[string]string `yaml:"query_params"`
		Body           string            `yaml:"body"`
		ContentType    string            `yaml:"content_type"`
		ExecutionOrder *int              `yaml:"execution_order"`
	} `yaml:"webhooks"`
}

func newLoadRunCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "loadrun",
		Short: "Run the load-run orchestrator, consuming run-collection tasks from the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				return runFixtureFile(cmd.Context(), file)
			}
			return runLoadRunDaemon(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "path to a YAML collection fixture to run once, instead of consuming the broker")
	return cmd
}

func runLoadRunDaemon(ctx context.Context) error {
	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	orchestrator := loadrun.New(d.gateway, d.http, d.metrics)

	handler := func(ctx context.Context, task broker.Task) error {
		if len(task.Args) == 0 {
			return fmt.Errorf("run-collection task carries no run id")
		}
		return orchestrator.Run(ctx, task.Args[0])
	}

	manager := lifecycle.NewSimpleComponentManager()
	manager.Register(runnable("loadrun-consumer", func(ctx context.Context) error {
		return d.brk.Consume(ctx, broker.TaskRunCollection, handler)
	}))
	manager.Register(runnable("metrics-server", func(ctx context.Context) error {
		return d.metrics.Serve(ctx, d.env.metricsAddr)
	}))
	manager.StartAndWait()
	return nil
}

// runFixtureFile loads a YAML collection fixture, seeds it into an
// ephemeral in-memory gateway, executes it once to completion, and
// prints the resulting report as JSON.
func runFixtureFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}

	var fx fixtureFile
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	gateway := persistence.NewMemGateway()

	collection := &model.Collection{ID: "fixture-collection", Name: "fixture"}
	for i, w := range fx.Webhooks {
		order := w.ExecutionOrder
		if order == nil {
			idx := i
			order = &idx
		}
		collection.Webhooks = append(collection.Webhooks, &model.Webhook{
			ID:             fmt.Sprintf("fixture-webhook-%d", i),
			CollectionID:   &collection.ID,
			URL:            w.URL,
			Method:         model.HTTPMethod(w.Method),
			Headers:        w.Headers,
			QueryParams:    w.QueryParams,
			BodyTemplate:   w.Body,
			ContentType:    w.ContentType,
			ExecutionOrder: order,
		})
	}
	gateway.PutCollection(collection)

	run := &model.CollectionRun{
		ID:                "fixture-run",
		CollectionID:      collection.ID,
		Status:            model.RunPending,
		ConcurrentUsers:   fx.ConcurrentUsers,
		DurationSeconds:   fx.DurationSeconds,
		RequestsPerSecond: fx.RequestsPerSecond,
	}
	if run.ConcurrentUsers == 0 {
		run.ConcurrentUsers = 1
	}
	if run.DurationSeconds == 0 {
		run.DurationSeconds = 10
	}
	gateway.PutRun(run)

	httpClient, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return fmt.Errorf("new http client: %w", err)
	}
	defer httpClient.Close()

	orchestrator := loadrun.New(gateway, httpClient, nil)
	if err := orchestrator.Run(ctx, run.ID); err != nil {
		return fmt.Errorf("run fixture: %w", err)
	}

	report, err := gateway.GetReportForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
