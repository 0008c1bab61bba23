package cmd

import (
	"errors"
	"fmt"

	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/frame"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list supported adapters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, a := range goscan.ListAdapters() {
			fmt.Println(a.String())
			fmt.Println("   " + a.Capabilities.String())
		}
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list available com ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			return errors.New("no serial ports found")
		}
		for _, port := range ports {
			fmt.Printf("port: %s\n", port.Name)
			if port.IsUSB {
				fmt.Printf("   USB ID      %s:%s\n", port.VID, port.PID)
				fmt.Printf("   USB serial  %s\n", port.SerialNumber)
			}
		}
		return nil
	},
}

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "list protocols in negotiation order",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for i, p := range frame.DefaultPriority {
			t := p.Timing()
			fmt.Printf("%d. %-8s %-26s init %-6s request %-6s retries %d\n", i+1, p.ID(), p, t.Init, t.Request, t.Retries)
		}
	},
}

func init() {
	rootCmd.AddCommand(adaptersCmd, portsCmd, protocolsCmd)
}
