package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/zippy/internal/flags"
)

var flagsListEnabled bool

func newFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Manage feature flags",
		Long: `Feature flags switch optional engine behaviour on and off. Values are
stored in the zippy database and apply to the CLI and the API server.`,
		Example: `  zippy flags list
  zippy flags list --enabled
  zippy flags enable deep_inspection
  zippy flags toggle parallel_compression
  zippy flags reset`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show every flag and its value",
		Args:  cobra.NoArgs,
		RunE:  flagsListRun,
	}
	list.Flags().BoolVar(&flagsListEnabled, "enabled", false, "print only the names of enabled flags")

	cmd.AddCommand(
		list,
		&cobra.Command{
			Use:   "enable NAME",
			Short: "Turn a flag on",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return flagsSetRun(args[0], true) },
		},
		&cobra.Command{
			Use:   "disable NAME",
			Short: "Turn a flag off",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return flagsSetRun(args[0], false) },
		},
		&cobra.Command{
			Use:   "toggle NAME",
			Short: "Flip a flag to the opposite value",
			Args:  cobra.ExactArgs(1),
			RunE:  flagsToggleRun,
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restore every flag to its default",
			Args:  cobra.NoArgs,
			RunE:  flagsResetRun,
		},
	)

	return cmd
}

func flagsListRun(cmd *cobra.Command, args []string) error {
	if globalFlags == nil {
		return fmt.Errorf("feature flags not initialized")
	}
	if flagsListEnabled {
		names, err := globalFlags.Enabled()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}

	all, err := globalFlags.All()
	if err != nil {
		return err
	}

	fmt.Printf("%-24s %-8s %s\n", "FLAG", "VALUE", "DESCRIPTION")
	for _, s := range all {
		value := "off"
		if s.Enabled {
			value = "on"
		}
		desc := s.Description
		if s.Experimental {
			desc += " (experimental)"
		}
		if s.Overridden {
			value += "*"
		}
		fmt.Printf("%-24s %-8s %s\n", s.Name, value, desc)
	}
	fmt.Println("\n* set explicitly; others use the default")
	return nil
}

func flagsSetRun(name string, enabled bool) error {
	if globalFlags == nil {
		return fmt.Errorf("feature flags not initialized")
	}
	if err := globalFlags.SetEnabled(name, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	if def, _ := flags.Lookup(name); def.Experimental && enabled {
		printf("%s enabled (experimental)\n", name)
		return nil
	}
	printf("%s %s\n", name, state)
	return nil
}

func flagsToggleRun(cmd *cobra.Command, args []string) error {
	if globalFlags == nil {
		return fmt.Errorf("feature flags not initialized")
	}
	enabled, err := globalFlags.Toggle(args[0])
	if err != nil {
		return err
	}
	printf("%s = %s\n", args[0], strconv.FormatBool(enabled))
	return nil
}

func flagsResetRun(cmd *cobra.Command, args []string) error {
	if globalFlags == nil {
		return fmt.Errorf("feature flags not initialized")
	}
	if err := globalFlags.ResetDefaults(); err != nil {
		return err
	}
	printf("All feature flags restored to defaults\n")
	return nil
}
