package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// notifyCmd fans a proposal out to the configured channels. The gate's
// reflection path dispatches automatically; this command covers manual
// re-delivery, e.g. after adding a channel or a failed partial dispatch.
var notifyCmd = &cobra.Command{
	Use:   "notify [proposal-id]",
	Short: "Deliver a proposal to all configured notification channels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		p, err := eng.store.GetProposal(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Proposal %s is %s\n", p.ID, statusColor(string(p.Status)))

		if err := eng.dispatcher.Dispatch(cmd.Context(), p); err != nil {
			// Partial delivery: report it, the healthy channels got theirs.
			fmt.Println(warnStyle.Render(err.Error()))
			return nil
		}
		fmt.Println(okStyle.Render("Delivered to all channels"))
		return nil
	},
}

var inboundFile string

// inboundCmd feeds one raw channel event (JSON) into the resolution path.
// Bridges that poll a chat platform pipe the event body in on stdin.
var inboundCmd = &cobra.Command{
	Use:   "inbound [channel]",
	Short: "Process a raw inbound resolution event from a channel",
	Long: `Reads an inbound event as JSON from stdin (or --file) and routes it
through the named channel's adapter:

  echo '{"proposal_id":"...","action":"approve","resolution_token":"..."}' \
    | soul inbound webhook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		var raw []byte
		if inboundFile != "" {
			raw, err = os.ReadFile(inboundFile)
		} else {
			raw, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("failed to read inbound event: %w", err)
		}

		msg, err := eng.dispatcher.HandleInbound(args[0], raw)
		if msg != "" {
			fmt.Println(msg)
		}
		return err
	},
}

func init() {
	inboundCmd.Flags().StringVar(&inboundFile, "file", "", "read the event from a file instead of stdin")
}
