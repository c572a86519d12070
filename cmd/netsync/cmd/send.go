package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/netsync/internal/injector"
)

var (
	sendGUID       string
	sendUnreliable bool
	sendPosition   []float64
	sendHealth     []int
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one component update to the configured remote",
	Long: `Create an entity, attach a demo component and send it once.

Examples:
  netsync send --position 1,2,3                  # Position over the reliable channel
  netsync send --position 1,2,3 --unreliable     # Position as a UDP datagram
  netsync send --guid g1 --health 70,100         # Health for a fixed entity`,
	RunE: sendHandler,
}

func init() {
	sendCmd.Flags().StringVar(&sendGUID, "guid", "", "entity GUID (random when empty)")
	sendCmd.Flags().BoolVar(&sendUnreliable, "unreliable", false, "send over UDP instead of the reliable channel")
	sendCmd.Flags().Float64SliceVar(&sendPosition, "position", nil, "Position as x,y,z")
	sendCmd.Flags().IntSliceVar(&sendHealth, "health", nil, "Health as current,max")
	sendCmd.MarkFlagsOneRequired("position", "health")
	sendCmd.MarkFlagsMutuallyExclusive("position", "health")
	rootCmd.AddCommand(sendCmd)
}

func sendComponent() (any, error) {
	switch {
	case sendPosition != nil:
		if len(sendPosition) != 3 {
			return nil, fmt.Errorf("--position takes 3 values, got %d", len(sendPosition))
		}
		return &Position{X: sendPosition[0], Y: sendPosition[1], Z: sendPosition[2]}, nil
	case sendHealth != nil:
		if len(sendHealth) != 2 {
			return nil, fmt.Errorf("--health takes 2 values, got %d", len(sendHealth))
		}
		return &Health{Current: sendHealth[0], Max: sendHealth[1]}, nil
	default:
		return nil, fmt.Errorf("nothing to send")
	}
}

func sendHandler(cmd *cobra.Command, _ []string) error {
	component, err := sendComponent()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// a one-shot sender does not accept connections
	cfg.Listen.Reliable = ""

	rt, cleanup, err := injector.InitializeNode(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = rt.Logger.Sync() }()

	if err = registerComponents(rt.Node); err != nil {
		return err
	}

	e, err := rt.Node.NewEntity(sendGUID, component)
	if err != nil {
		return err
	}

	if sendUnreliable {
		err = e.SendAsync(cmd.Context(), component)
	} else {
		err = e.SendSync(cmd.Context(), component)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "sent %T for entity %s\n", component, e.GUID())
	return nil
}
