package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/config"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/engine"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/priority"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/routing"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

var routeSource string

var routeCmd = &cobra.Command{
	Use:   "route <text>",
	Short: "Show which unit a message would be routed to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		set := flags.New(nil)
		cfg.ApplyFlags(set, nil)
		router, err := routing.New(cfg.Routing, routing.WithFlags(set))
		if err != nil {
			return err
		}
		item := api.WorkItem{
			ID:         "cli",
			Content:    strings.Join(args, " "),
			Source:     routeSource,
			ReceivedAt: time.Now(),
		}
		item.Entities = router.ExtractEntities(item.Text())
		d, err := router.Route(item)
		if err != nil {
			return err
		}
		printDecision(cmd.OutOrStdout(), d, router.CanAutoRespond(d), item.Entities)
		return nil
	},
}

var scoreSignals priority.Signals
var scoreDeclared string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Compute the priority tier for a set of signals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		scored := priority.NewScorer(cfg.Priority).ScoreItem(api.WorkItem{ID: "cli"}, scoreSignals)
		if scoreDeclared != "" {
			var tier api.PriorityTier
			if err := tier.UnmarshalText([]byte(scoreDeclared)); err != nil {
				return err
			}
			scored = scored.Declare(tier)
		}
		printTier(cmd.OutOrStdout(), scored)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <workflow.yaml|dir>...",
	Short: "Check workflow definitions without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validatePaths(cmd.OutOrStdout(), args)
	},
}

func init() {
	routeCmd.Flags().StringVar(&routeSource, "source", "", "Channel the message arrived on (kakao, naver, coupang, email, ...)")

	scoreCmd.Flags().BoolVar(&scoreSignals.IsVIP, "vip", false, "Customer is a VIP")
	scoreCmd.Flags().Float64Var(&scoreSignals.FinancialImpact, "financial-impact", 0, "Amount at stake in KRW")
	scoreCmd.Flags().BoolVar(&scoreSignals.IsRepeatContact, "repeat", false, "Customer contacted us before about this")
	scoreCmd.Flags().Float64Var(&scoreSignals.SentimentScore, "sentiment", 0, "Sentiment score in [-1,1]")
	scoreCmd.Flags().Float64Var(&scoreSignals.WaitTimeMinutes, "wait", 0, "Minutes the item has been waiting")
	scoreCmd.Flags().StringVar(&scoreDeclared, "declare", "", "Operator-declared tier (P0..P3), overrides the score")
}

func printDecision(w io.Writer, d api.RoutingDecision, auto bool, entities map[string][]string) {
	attr := color.FgYellow
	switch {
	case d.Reason == api.ReasonSafety:
		attr = color.FgRed
	case auto:
		attr = color.FgGreen
	}
	fmt.Fprintf(w, "%s %s (%s, confidence %.2f)\n", color.New(attr).Sprint("→"), d.TargetUnitID, d.Reason, d.Confidence)
	answer := "no"
	if auto {
		answer = "yes"
	}
	fmt.Fprintf(w, "  auto-respond: %s\n", answer)

	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %s\n", name, strings.Join(entities[name], ", "))
	}
}

func printTier(w io.Writer, s priority.Scored) {
	var attr color.Attribute
	switch s.Tier {
	case api.P0Critical, api.P1Urgent:
		attr = color.FgRed
	case api.P2High:
		attr = color.FgYellow
	default:
		attr = color.FgGreen
	}
	suffix := ""
	if s.Declared {
		suffix = " (declared)"
	}
	fmt.Fprintf(w, "%s%s\n", color.New(attr).Sprint(s.Tier.String()), suffix)
}

// validatePaths prints one line per definition found under paths and
// returns an error when any of them is invalid or unreadable.
func validatePaths(w io.Writer, paths []string) error {
	failed := 0
	for _, path := range paths {
		defs, err := engine.LoadDefinitions(path)
		if err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", color.RedString("✗"), path, err)
			failed++
			continue
		}
		for _, def := range defs {
			if err := engine.Validate(def); err != nil {
				fmt.Fprintf(w, "%s %s: %v\n", color.RedString("✗"), def.ID, err)
				failed++
				continue
			}
			fmt.Fprintf(w, "%s %s (%d steps)\n", color.GreenString("✓"), def.ID, len(def.Steps))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d workflow definition(s) failed validation", failed)
	}
	return nil
}
