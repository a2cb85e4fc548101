package main

import (
	"errors"
	"fmt"
	"strings"

	"soulkeeper/internal/types"

	"github.com/spf13/cobra"
)

var (
	pendingAgent string
	approveValue string
	resolveVia   string
)

// pendingCmd lists pending proposals for an agent.
var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending proposals awaiting human resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		proposals, err := eng.store.ListPending(pendingAgent)
		if err != nil {
			return err
		}

		fmt.Println(titleStyle.Render(fmt.Sprintf("Pending proposals for %s", pendingAgent)))
		t := newTable("ID", "FIELD", "KIND", "PROPOSED", "CONFIDENCE", "EXPIRES")
		for _, p := range proposals {
			t.addRow(p.ID, p.TargetField, string(p.ChangeKind), truncate(p.ProposedValue, 48), string(p.Confidence), fmtTime(p.ExpiresAt))
		}
		fmt.Print(t.render())
		return nil
	},
}

// approveCmd approves a pending proposal (optionally with an edited value).
var approveCmd = &cobra.Command{
	Use:   "approve [proposal-id]",
	Short: "Approve a pending proposal and apply it to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		res, err := eng.manager.Approve(args[0], resolveVia, "", approveValue)
		if err != nil {
			if errors.Is(err, types.ErrApplyFailed) && res != nil {
				fmt.Println(warnStyle.Render(res.Describe()))
				return err
			}
			return err
		}
		fmt.Println(okStyle.Render(res.Describe()))
		return nil
	},
}

// rejectCmd rejects a pending proposal.
var rejectCmd = &cobra.Command{
	Use:   "reject [proposal-id]",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		res, err := eng.manager.Reject(args[0], resolveVia, "")
		if err != nil {
			return err
		}
		fmt.Println(res.Describe())
		return nil
	},
}

// editCmd approves a proposal with a replacement value.
var editCmd = &cobra.Command{
	Use:   "edit [proposal-id] [new-value]",
	Short: "Approve a proposal with a human-edited value",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		newValue := strings.Join(args[1:], " ")
		res, err := eng.manager.EditAndApprove(args[0], resolveVia, "", newValue)
		if err != nil {
			return err
		}
		fmt.Println(okStyle.Render(res.Describe()))
		return nil
	},
}

// sweepCmd runs one expiry sweep.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire pending proposals past their TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		n, err := eng.manager.ExpireSweep()
		if err != nil {
			return err
		}
		fmt.Printf("%d proposal(s) expired\n", n)
		return nil
	},
}

var reconcileRetry string

// reconcileCmd surfaces and optionally repairs approved-but-not-applied
// proposals.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "List approved proposals whose configuration apply failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		if reconcileRetry != "" {
			res, err := eng.manager.RetryApply(reconcileRetry)
			if err != nil {
				return err
			}
			fmt.Println(okStyle.Render(res.Describe()))
			return nil
		}

		stuck, err := eng.manager.Reconcile()
		if err != nil {
			return err
		}
		t := newTable("ID", "AGENT", "FIELD", "RESOLVED", "VIA")
		for _, p := range stuck {
			resolved := "-"
			if p.ResolvedAt != nil {
				resolved = fmtTime(*p.ResolvedAt)
			}
			t.addRow(p.ID, p.AgentID, p.TargetField, resolved, p.ResolvedVia)
		}
		fmt.Print(t.render())
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func init() {
	pendingCmd.Flags().StringVarP(&pendingAgent, "agent", "a", "", "agent id")
	_ = pendingCmd.MarkFlagRequired("agent")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd, editCmd} {
		c.Flags().StringVar(&resolveVia, "via", "cli", "channel name this resolution arrives from")
	}
	approveCmd.Flags().StringVar(&approveValue, "value", "", "edited value to apply instead of the drafted one")

	reconcileCmd.Flags().StringVar(&reconcileRetry, "retry", "", "proposal id to retry the configuration apply for")
}
