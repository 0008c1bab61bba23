package cmd

import (
	"github.com/roffe/goscan/pkg/monitor"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "stream the session to WebSocket clients",
	Long:  `Connect to the vehicle, poll live data and read trouble codes while serving every update on /ws and the current state on /api/state`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		addr := s.conf.Monitor.ListenAddr
		if cmd.Flags().Changed("listen") {
			addr, _ = cmd.Flags().GetString("listen")
		}
		srv := monitor.New(s.DiagnosticSession, addr)

		if _, err := s.ReadAllDTCs(ctx); err != nil {
			return err
		}
		if live, _ := cmd.Flags().GetBool("live"); live {
			if err := s.StartLiveData(ctx); err != nil {
				return err
			}
			defer s.StopLiveData()
		}
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "listen address, overrides the config")
	serveCmd.Flags().Bool("live", true, "poll live data")
	rootCmd.AddCommand(serveCmd)
}
