package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/roffe/goscan/pkg/scanner"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session <default|extended|programming>",
	Short: "start a diagnostic session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := scanner.ParseSessionType(args[0])
		if err != nil {
			return err
		}
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.StartDiagnosticSession(cmd.Context(), typ); err != nil {
			return err
		}
		fmt.Printf("%s session active\n", green(typ))
		return nil
	},
}

var securityCmd = &cobra.Command{
	Use:   "security <level>",
	Short: "request security access",
	Long:  `Start the session given by --session and unlock the security level with the configured key strategy`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(args[0])
		if err != nil {
			return err
		}
		typ, err := sessionFlag(cmd)
		if err != nil {
			return err
		}
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()
		if err := s.StartDiagnosticSession(ctx, typ); err != nil {
			return err
		}
		sec, err := s.RequestSecurityAccess(ctx, level)
		if err != nil {
			return err
		}
		fmt.Printf("seed % X key % X\n", sec.Seed, sec.Key)
		fmt.Println(green(sec.String()))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "hard reset the target ECU",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		if !yesNo(fmt.Sprintf("Reset %s?", s.Target())) {
			return nil
		}
		if err := s.ResetECU(cmd.Context()); err != nil {
			return err
		}
		fmt.Println(green("ECU reset"))
		return nil
	},
}

var routineCmd = &cobra.Command{
	Use:   "routine <id> [hex params]",
	Short: "start a routine",
	Long:  `Start a routine on the target ECU. The session the routine class needs is entered and its security level unlocked first`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(args[0]), "0x"), 16, 16)
		if err != nil {
			return fmt.Errorf("invalid routine id %q: %w", args[0], err)
		}
		var params []byte
		if len(args) == 2 {
			if params, err = hex.DecodeString(strings.ReplaceAll(args[1], " ", "")); err != nil {
				return fmt.Errorf("invalid params %q: %w", args[1], err)
			}
		}

		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		ctx := cmd.Context()

		r := s.cfg.Routines.Lookup(uint16(id))
		typ := scanner.ExtendedSession
		if r.Class != scanner.ActuatorTest {
			typ = scanner.ProgrammingSession
		}
		if !yesNo(fmt.Sprintf("Run %s (%s) on %s?", r, r.Class, s.Target())) {
			return nil
		}
		if err := s.StartDiagnosticSession(ctx, typ); err != nil {
			return err
		}
		if _, err := s.RequestSecurityAccess(ctx, r.Level); err != nil {
			return err
		}
		result, err := s.SendRoutineControl(ctx, r.ID, params)
		if err != nil {
			return err
		}
		fmt.Printf("%s started, result % X\n", green(r), result)
		return nil
	},
}

func parseLevel(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid security level %q: %w", s, err)
	}
	if v == 0 || v%2 == 0 {
		return 0, fmt.Errorf("security level 0x%02X is not a seed request level", v)
	}
	return byte(v), nil
}

func sessionFlag(cmd *cobra.Command) (scanner.SessionType, error) {
	name, _ := cmd.Flags().GetString("session")
	typ, err := scanner.ParseSessionType(name)
	if err != nil {
		return 0, err
	}
	if typ == scanner.DefaultSession {
		return 0, fmt.Errorf("security access needs an extended or programming session")
	}
	return typ, nil
}

func init() {
	securityCmd.Flags().String("session", "extended", "session to unlock in")
	rootCmd.AddCommand(sessionCmd, securityCmd, resetCmd, routineCmd)
}
