package shell

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (in *Interpreter) envCommands() []*cobra.Command {
	e := in.opts.Env

	setenv := leaf("setenv <name> [value...]", "set or delete an environment variable", cobra.MinimumNArgs(1), func(cmd *cobra.Command, args []string) error {
		e.Set(args[0], strings.Join(args[1:], " "))
		return nil
	})

	printenv := leaf("printenv [name...]", "print environment variables", cobra.ArbitraryArgs, func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = e.Names()
		}
		for _, name := range args {
			v, ok := e.Get(name)
			if !ok {
				return fmt.Errorf("## Error: %q not defined", name)
			}
			in.printf(cmd, "%s=%s\n", name, v)
		}
		return nil
	})

	saveenv := leaf("saveenv", "persist the environment", cobra.NoArgs, func(cmd *cobra.Command, args []string) error {
		in.printf(cmd, "Saving Environment...\n")
		return e.Save()
	})

	echo := leaf("echo [args...]", "print arguments", cobra.ArbitraryArgs, func(cmd *cobra.Command, args []string) error {
		in.printf(cmd, "%s\n", strings.Join(args, " "))
		return nil
	})

	run := leaf("run <var...>", "run scripts stored in the environment", cobra.MinimumNArgs(1), func(cmd *cobra.Command, args []string) error {
		for _, name := range args {
			script, ok := e.Get(name)
			if !ok {
				return fmt.Errorf("## Error: %q not defined", name)
			}
			if err := in.Execute(cmd.Context(), script); err != nil {
				return err
			}
		}
		return nil
	})

	return []*cobra.Command{setenv, printenv, saveenv, echo, run}
}
