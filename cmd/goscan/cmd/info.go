package cmd

import (
	"fmt"
	"strings"

	"github.com/roffe/goscan/pkg/decode"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "print vehicle info",
	Long:  `Connect to the vehicle and print the VIN, protocol, responding modules and supported PIDs`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		info, err := s.ReadVehicleInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("VIN:       %s\n", info.VIN)
		fmt.Printf("Protocol:  %s\n", info.Protocol)
		if len(info.KeyBytes) > 0 {
			fmt.Printf("Key bytes: % X\n", info.KeyBytes)
		}
		if !info.ManufacturingDate.IsZero() {
			fmt.Printf("Built:     %s\n", info.ManufacturingDate.Format("2006-01-02"))
		}
		var ecus []string
		for _, a := range info.ECUs {
			ecus = append(ecus, a.String())
		}
		if len(ecus) > 0 {
			fmt.Printf("Modules:   %s\n", strings.Join(ecus, ", "))
		}
		fmt.Printf("Target:    %s\n", s.Target())

		pids, err := s.SupportedPIDs(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("PIDs:      % X\n", pids)
		return nil
	},
}

var freezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "print the freeze frame",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ff, err := s.GetFreezeFrame(cmd.Context())
		if err != nil {
			return err
		}
		if ff.Trigger != nil {
			fmt.Printf("frame %d set by %s\n", ff.Number, yellow(ff.Trigger.Code))
		} else {
			fmt.Printf("frame %d\n", ff.Number)
		}
		for _, v := range ff.Values {
			fmt.Printf("  %-32s %s\n", v.Name(), v.Display())
		}
		return nil
	},
}

var monitorsCmd = &cobra.Command{
	Use:   "monitors",
	Short: "print MIL status and readiness monitors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ms, err := s.GetMonitorStatus(cmd.Context())
		if err != nil {
			return err
		}
		mil := green("off")
		if ms.MIL {
			mil = red("on")
		}
		fmt.Printf("MIL %s, %d codes\n", mil, ms.DTCCount)
		for _, m := range ms.Monitors {
			state := m.State.String()
			switch m.State {
			case decode.Incomplete:
				state = yellow(state)
			case decode.Complete:
				state = green(state)
			default:
				state = faint(state)
			}
			fmt.Printf("  %-28s %s\n", m.Name, state)
		}
		if ms.Ready() {
			fmt.Println(green("ready"))
		} else {
			fmt.Println(yellow("not ready"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd, freezeCmd, monitorsCmd)
}
