package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect task execution history",
	}

	cmd.AddCommand(newExecutionsListCommand())
	cmd.AddCommand(newExecutionsShowCommand())

	return cmd
}

func newExecutionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's executions, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			execs, err := a.runner.ListExecutions(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(execs)
			}
			for _, e := range execs {
				ended := "-"
				if e.EndedAt != nil {
					ended = e.EndedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%s  %-8s started=%s ended=%s succeeded=%d failed=%d\n",
					e.ID, e.Status, e.StartedAt.Format("2006-01-02 15:04:05"),
					ended, e.Succeeded, e.Failed)
			}
			return nil
		},
	}
}

func newExecutionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution including per-record failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.runner.GetExecution(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(exec)
		},
	}
}
