// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"axonflow/modelrouter/routing"
	"axonflow/modelrouter/routing/catalog"
	"axonflow/modelrouter/routing/scorecard"
	"axonflow/modelrouter/shared/logger"
)

// withComponents wires against the shared store for one admin command.
func withComponents(cmd *cobra.Command, fn func(c *components) error) error {
	log := logger.New("modelrouter")
	log.SetLevel(logger.WARN)

	c, err := wire(cmd.Context(), loadSettings(), log)
	if err != nil {
		return err
	}
	defer c.close(cmd.Context())
	return fn(c)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset provider circuit breakers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <provider>",
		Short: "Show a provider's breaker state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(c *components) error {
				return printJSON(cmd.OutOrStdout(), c.engine.Breakers().State(cmd.Context(), args[0]))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <provider>",
		Short: "Force a provider's breaker closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(c *components) error {
				if err := c.engine.Breakers().Reset(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "breaker for %s reset\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

func scorecardsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scorecards",
		Short: "Inspect learned model scorecards",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list <tenant> <task_type>",
		Short: "List scorecards for a tenant and task type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := catalog.ParseTaskType(args[1])
			if err != nil {
				return err
			}
			return withComponents(cmd, func(c *components) error {
				cards, err := c.engine.Scorecards().Load(cmd.Context(), args[0], task)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				}
				return writeCards(cmd.OutOrStdout(), cards)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <tenant> <task_type> <model>",
		Short: "Drop a model's hot scorecard",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := catalog.ParseTaskType(args[1])
			if err != nil {
				return err
			}
			return withComponents(cmd, func(c *components) error {
				return c.engine.Scorecards().Reset(cmd.Context(), args[0], task, args[2])
			})
		},
	})

	return cmd
}

func writeCards(w io.Writer, cards map[string]*scorecard.ScoreCard) error {
	models := make([]string, 0, len(cards))
	for m := range cards {
		models = append(models, m)
	}
	sort.Strings(models)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tTRIALS\tSUCCESS\tP95 LATENCY MS\tMEAN COST")
	for _, m := range models {
		c := cards[m]
		p95 := "-"
		if c.HasLatency() {
			p95 = fmt.Sprintf("%.0f", scorecard.ApproxP95Latency(c))
		}
		cost := "-"
		if c.HasCost() {
			cost = fmt.Sprintf("%.3f", c.CostMean)
		}
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t%s\t%s\n", m, c.Trials, scorecard.PosteriorMean(c), p95, cost)
	}
	return tw.Flush()
}

func selectCmd() *cobra.Command {
	var req routing.Request
	var task string

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Run one model selection and print the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := catalog.ParseTaskType(task)
			if err != nil {
				return err
			}
			req.TaskType = t
			return withComponents(cmd, func(c *components) error {
				d, err := c.engine.Select(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			})
		},
	}

	cmd.Flags().StringVar(&req.TenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&task, "task", string(catalog.TaskChat), "task type")
	cmd.Flags().StringVar(&req.TemplateKey, "template", "", "policy template key")
	cmd.Flags().StringVar(&req.RequestedModel, "model", "", "explicitly requested model")
	cmd.Flags().IntVar(&req.EstimatedTokens, "tokens", 0, "estimated tokens")
	cmd.Flags().Float64Var(&req.LatencySLOMs, "slo-ms", 0, "latency SLO in milliseconds")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
