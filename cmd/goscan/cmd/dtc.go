package cmd

import (
	"fmt"

	"github.com/roffe/goscan/pkg/dtc"
	"github.com/spf13/cobra"
)

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "read or clear diagnostic trouble codes",
	Long:  `Read stored, pending and permanent codes from every module that answers. With --clear the codes are cleared after confirmation`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stored, _ := cmd.Flags().GetBool("stored")
		pending, _ := cmd.Flags().GetBool("pending")
		permanent, _ := cmd.Flags().GetBool("permanent")
		clearCodes, _ := cmd.Flags().GetBool("clear")

		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		if clearCodes {
			if !yesNo("Clear all trouble codes and freeze frames?") {
				return nil
			}
			if err := s.ClearDTCs(ctx); err != nil {
				return err
			}
			fmt.Println(green("trouble codes cleared"))
			return nil
		}

		var codes []dtc.DTC
		switch {
		case stored || pending || permanent:
			if stored {
				d, err := s.ReadStoredDTCs(ctx)
				if err != nil {
					return err
				}
				codes = append(codes, d...)
			}
			if pending {
				d, err := s.ReadPendingDTCs(ctx)
				if err != nil {
					return err
				}
				codes = append(codes, d...)
			}
			if permanent {
				d, err := s.ReadPermanentDTCs(ctx)
				if err != nil {
					return err
				}
				codes = append(codes, d...)
			}
		default:
			if codes, err = s.ReadAllDTCs(ctx); err != nil {
				return err
			}
		}
		printDTCs(s, codes)
		return nil
	},
}

func printDTCs(s *session, codes []dtc.DTC) {
	if len(codes) == 0 {
		fmt.Println(green("no trouble codes"))
		return
	}
	for _, d := range codes {
		c, err := s.Classify(d.Code)
		if err != nil {
			fmt.Printf("%s %-10s %v\n", d.Code, d.Status, err)
			continue
		}
		line := fmt.Sprintf("%s %-10s %-9s %s", d.Code, d.Status, c.Severity, c.System)
		if d.ECU != nil {
			line += faint(" @ " + d.ECU.String())
		}
		fmt.Println(severityColor(c.Severity)(line))
	}
}

func init() {
	dtcCmd.Flags().Bool("stored", false, "read stored codes")
	dtcCmd.Flags().Bool("pending", false, "read pending codes")
	dtcCmd.Flags().Bool("permanent", false, "read permanent codes")
	dtcCmd.Flags().Bool("clear", false, "clear codes and freeze frames")
	rootCmd.AddCommand(dtcCmd)
}
