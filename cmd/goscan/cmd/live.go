package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/roffe/goscan/pkg/pid"
	"github.com/roffe/goscan/pkg/scanner"
	"github.com/spf13/cobra"
)

var liveCmd = &cobra.Command{
	Use:   "live [pid...]",
	Short: "poll live data",
	Long:  `Poll PIDs until interrupted. PIDs are short names like rpm or hex numbers, without any the configured PIDs the vehicle supports are polled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var pids []byte
		for _, a := range args {
			p, err := pid.Parse(a)
			if err != nil {
				return err
			}
			pids = append(pids, p)
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		sub := s.Subscribe(64)
		defer sub.Close()
		if err := s.StartLiveData(ctx, pids...); err != nil {
			return err
		}
		defer s.StopLiveData()

		for {
			select {
			case <-ctx.Done():
				return nil
			case u, ok := <-sub.Chan():
				if !ok {
					return nil
				}
				switch u.Kind {
				case scanner.LiveValue:
					if u.Value != nil {
						fmt.Printf("%s %-32s %s\n", faint(u.Time.Format(time.TimeOnly)), u.Value.Name(), u.Value.Display())
					}
				case scanner.StateChanged:
					if _, ok := u.State.(scanner.Connected); !ok {
						return fmt.Errorf("connection lost: %s", u.State)
					}
				}
			}
		}
	},
}

func init() {
	liveCmd.Flags().Duration("duration", 0, "stop after this long, 0 runs until interrupted")
	rootCmd.AddCommand(liveCmd)
}
