package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	initAgent     string
	initFields    []string
	initProtected []string

	historyAgent  string
	rollbackAgent string

	calibrationAgent string
)

// initCmd seeds a version-1 configuration for an agent.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Seed an agent with its initial configuration",
	Long: `Creates the version-1 configuration and its first snapshot.

Example:
  soul init --agent support-bot \
    --field tone="friendly, concise" \
    --field escalation_rule="hand off to a human on billing disputes" \
    --protected safety_boundaries`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		fields := make(map[string]string, len(initFields))
		for _, kv := range initFields {
			key, value, found := strings.Cut(kv, "=")
			if !found {
				return fmt.Errorf("invalid --field %q, want key=value", kv)
			}
			fields[key] = value
		}

		if err := eng.store.SeedConfiguration(initAgent, fields, initProtected); err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("Seeded %s at version 1 with %d field(s)", initAgent, len(fields))))
		return nil
	},
}

// historyCmd prints the snapshot history for an agent.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the configuration version history for an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		snapshots, err := eng.store.History(historyAgent)
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render(fmt.Sprintf("History for %s", historyAgent)))
		t := newTable("VERSION", "CHANGE", "PROPOSAL", "CREATED", "FIELDS")
		for _, s := range snapshots {
			proposal := s.CausingProposalID
			if proposal == "" {
				proposal = "-"
			}
			t.addRow(strconv.FormatInt(s.Version, 10), string(s.ChangeType), proposal, fmtTime(s.CreatedAt), strconv.Itoa(len(s.Fields)))
		}
		fmt.Print(t.render())
		return nil
	},
}

// rollbackCmd restores a historical version as a new version.
var rollbackCmd = &cobra.Command{
	Use:   "rollback [version]",
	Short: "Restore a historical configuration version as a new version",
	Long: `Writes the snapshot at the target version back as a brand-new version
(current max + 1). History in between is preserved untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		newVersion, err := eng.store.Rollback(rollbackAgent, target)
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render(fmt.Sprintf("Restored v%d content as new v%d", target, newVersion)))
		return nil
	},
}

// calibrationCmd shows the current admission budget for an agent.
var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Show the computed proposal budget for an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		budget, err := eng.tracker.Budget(calibrationAgent, time.Now())
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render(fmt.Sprintf("Calibration for %s", calibrationAgent)))
		fmt.Printf("  max per day:    %d\n", budget.MaxPerDay)
		fmt.Printf("  approval rate:  %.0f%%\n", budget.ApprovalRate*100)
		fmt.Printf("  avg latency:    %v\n", budget.AvgLatency)
		if budget.InCooldown(time.Now()) {
			fmt.Printf("  cooldown until: %s\n", warnStyle.Render(fmtTime(budget.CooldownUntil)))
		}
		if budget.RubberStamp {
			fmt.Println(warnStyle.Render("  rubber-stamp pattern detected: recent approvals resolved suspiciously fast"))
		}
		return nil
	},
}

// statusCmd prints store statistics.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		stats, err := eng.store.Stats()
		if err != nil {
			return err
		}
		t := newTable("TABLE", "ROWS")
		for _, name := range []string{"configurations", "configuration_snapshots", "proposals", "calibration_events"} {
			t.addRow(name, strconv.FormatInt(stats[name], 10))
		}
		fmt.Print(t.render())
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initAgent, "agent", "a", "", "agent id")
	initCmd.Flags().StringArrayVar(&initFields, "field", nil, "initial field as key=value (repeatable)")
	initCmd.Flags().StringArrayVar(&initProtected, "protected", nil, "field name proposals may never target (repeatable)")
	_ = initCmd.MarkFlagRequired("agent")

	historyCmd.Flags().StringVarP(&historyAgent, "agent", "a", "", "agent id")
	_ = historyCmd.MarkFlagRequired("agent")

	rollbackCmd.Flags().StringVarP(&rollbackAgent, "agent", "a", "", "agent id")
	_ = rollbackCmd.MarkFlagRequired("agent")

	calibrationCmd.Flags().StringVarP(&calibrationAgent, "agent", "a", "", "agent id")
	_ = calibrationCmd.MarkFlagRequired("agent")
}
