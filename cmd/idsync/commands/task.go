package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openidsync/openidsync/pkg/engine"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage provisioning tasks",
		Long: `Create, inspect, trigger and delete provisioning tasks.

A pull task synchronizes external records into the entity store; a push task
propagates internal entities to one external resource.`,
	}

	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskTriggerCommand())
	cmd.AddCommand(newTaskDeleteCommand())

	return cmd
}

func newTaskListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provisioning tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.runner.ListTasks(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(tasks)
			}
			for _, t := range tasks {
				schedule := t.CronExpr
				if schedule == "" {
					schedule = "on-demand"
				}
				fmt.Printf("%s  %-6s %-20s resource=%s kind=%s schedule=%q\n",
					t.ID, t.Type, t.Name, t.ResourceKey, t.Kind, schedule)
			}
			return nil
		},
	}
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.runner.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
}

func newTaskCreateCommand() *cobra.Command {
	var (
		name       string
		taskType   string
		resource   string
		realm      string
		kind       string
		cronExpr   string
		matching   string
		unmatching string
		corrRule   string
		pageSize   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a provisioning task",
		Example: `  # Nightly pull of users from the corporate directory
  idsync task create --name nightly-ldap --type pull --resource ldap-prod \
    --kind USER --realm /corp --cron "0 2 * * *"

  # On-demand push of all users to the HR database
  idsync task create --name hr-push --type push --resource hr-db --kind USER`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			task := &engine.ProvisioningTask{
				Name:            name,
				Type:            engine.TaskType(taskType),
				ResourceKey:     resource,
				Realm:           realm,
				Kind:            engine.EntityKind(kind),
				CronExpr:        cronExpr,
				Matching:        engine.MatchingRule(matching),
				Unmatching:      engine.UnmatchingRule(unmatching),
				CorrelationRule: corrRule,
				PageSize:        pageSize,
			}
			if err := a.runner.CreateTask(ctx, task); err != nil {
				return err
			}
			fmt.Println(task.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&taskType, "type", "pull", "task type (pull or push)")
	cmd.Flags().StringVar(&resource, "resource", "", "external resource key")
	cmd.Flags().StringVar(&realm, "realm", "/", "realm scope")
	cmd.Flags().StringVar(&kind, "kind", "USER", "entity kind (USER, GROUP, ANY_OBJECT)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron schedule; empty means on-demand")
	cmd.Flags().StringVar(&matching, "matching", "UPDATE", "matched-record rule (UPDATE, IGNORE, MERGE)")
	cmd.Flags().StringVar(&unmatching, "unmatching", "PROVISION", "unmatched-record rule (PROVISION, ASSIGN, IGNORE)")
	cmd.Flags().StringVar(&corrRule, "correlation-rule", "", "registered correlation rule id")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "external search page size")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("resource")

	return cmd
}

func newTaskTriggerCommand() *cobra.Command {
	var rulesDir string

	cmd := &cobra.Command{
		Use:   "trigger <task-id>",
		Short: "Execute a task and wait for the result",
		Example: `  # Trigger a pull task
  idsync task trigger 6b1f... --rules ./rules`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{rulesDir: rulesDir})
			if err != nil {
				return err
			}
			defer a.Close()

			execID, err := a.runner.Execute(ctx, args[0])
			if err != nil {
				return err
			}

			// The run is asynchronous; the command must outlive it or the
			// execution dies with the process.
			for {
				exec, err := a.runner.GetExecution(ctx, execID)
				if err != nil {
					return err
				}
				if exec.Status.IsTerminal() {
					if jsonOutput {
						return printJSON(exec)
					}
					fmt.Printf("%s  status=%s succeeded=%d failed=%d %s\n",
						exec.ID, exec.Status, exec.Succeeded, exec.Failed, exec.Message)
					return nil
				}
				select {
				case <-ctx.Done():
					_ = a.runner.CancelExecution(execID)
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		},
	}

	cmd.Flags().StringVar(&rulesDir, "rules", "", "directory of .star correlation rule scripts")

	return cmd
}

func newTaskDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and unregister its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			return a.runner.DeleteTask(ctx, args[0])
		},
	}
}
