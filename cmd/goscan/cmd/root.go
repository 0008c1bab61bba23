package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/roffe/goscan"
	"github.com/roffe/goscan/pkg/bar"
	"github.com/roffe/goscan/pkg/config"
	"github.com/roffe/goscan/pkg/dtc"
	"github.com/roffe/goscan/pkg/scanner"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "goscan",
	Short:        "OBD-II and UDS vehicle scanner",
	Long:         `Read and clear trouble codes, watch live data and run diagnostic services over an OBD-II adapter`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagConfig   = "config"
	flagAdapter  = "adapter"
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagProtocol = "protocol"
	flagDebug    = "debug"
	flagYes      = "yes"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", config.DefaultPath, "config file")
	pf.StringP(flagAdapter, "a", "", "what adapter to use, overrides the config")
	pf.StringP(flagPort, "p", "", "com-port, Windows COM#, Linux/OSX: /dev/ttyUSB#")
	pf.IntP(flagBaudrate, "b", 0, "baudrate")
	pf.StringP(flagProtocol, "P", "", "protocol id or auto")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.BoolP(flagYes, "y", false, "do not ask for confirmation")
}

// loadConfig reads the config file and applies the command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	pf := rootCmd.PersistentFlags()
	path, err := pf.GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("%v, using defaults", err)
	}
	if pf.Changed(flagAdapter) {
		cfg.Adapter.Name, _ = pf.GetString(flagAdapter)
	}
	if pf.Changed(flagPort) {
		cfg.Adapter.Port, _ = pf.GetString(flagPort)
	}
	if pf.Changed(flagBaudrate) {
		cfg.Adapter.Baudrate, _ = pf.GetInt(flagBaudrate)
	}
	if pf.Changed(flagProtocol) {
		cfg.Protocol.Pinned, _ = pf.GetString(flagProtocol)
	}
	if pf.Changed(flagDebug) {
		cfg.Adapter.Debug, _ = pf.GetBool(flagDebug)
	}
	return cfg, nil
}

// session is an open diagnostic session with the config it was built from.
type session struct {
	*scanner.DiagnosticSession
	conf *config.Config
	cfg  *scanner.Config
}

// connect builds the adapter and session from the config and negotiates a
// protocol with the vehicle.
func connect(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	ch, err := goscan.NewAdapter(cfg.Adapter.Name, cfg.AdapterConfig())
	if err != nil {
		return nil, fmt.Errorf("%w, available: %s", err, strings.Join(goscan.ListAdapterNames(), ", "))
	}
	sc, err := cfg.ScannerConfig()
	if err != nil {
		return nil, err
	}
	debug := cfg.Adapter.Debug
	sc.OnMessage = func(msg string) {
		if debug {
			log.Println(msg)
		}
	}
	sc.OnError = func(err error) {
		log.Println(err)
	}
	pb, progress := bar.Negotiation()
	sc.OnProgress = progress

	sess := scanner.New(ch, sc)
	err = sess.Connect(cmd.Context(), cfg.Adapter.Port)
	pb.Finish()
	if err != nil {
		sess.Close()
		return nil, err
	}
	c, _ := sess.State().(scanner.Connected)
	fmt.Printf("%s %s\n", green("connected"), c.Protocol)
	return &session{DiagnosticSession: sess, conf: cfg, cfg: sc}, nil
}

func yesNo(label string) bool {
	if yes, _ := rootCmd.PersistentFlags().GetBool(flagYes); yes {
		return true
	}
	prompt := promptui.Select{
		Label:    label + " [Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		log.Printf("prompt failed %v", err)
		return false
	}
	return result == "Yes"
}

var (
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	hiRed  = color.New(color.FgHiRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func severityColor(s dtc.Severity) func(a ...interface{}) string {
	switch s {
	case dtc.Critical:
		return red
	case dtc.High:
		return hiRed
	case dtc.Medium:
		return yellow
	case dtc.Low:
		return cyan
	}
	return faint
}
