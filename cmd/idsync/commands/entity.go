package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openidsync/openidsync/pkg/engine"
)

func newEntityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Inspect and mutate internal entities",
		Long: `Inspect internal entities and read or write virtual attributes.

Mutations propagate to every effectively assigned resource; the command
prints one propagation status per resource.`,
	}

	cmd.AddCommand(newEntityListCommand())
	cmd.AddCommand(newEntityGetCommand())
	cmd.AddCommand(newEntityDeleteCommand())
	cmd.AddCommand(newEntityVirCommand())

	return cmd
}

func newEntityListCommand() *cobra.Command {
	var (
		kind  string
		realm string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities of a kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			entities, err := a.store.List(ctx, realm, engine.EntityKind(kind))
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entities)
			}
			for _, e := range entities {
				fmt.Printf("%s  kind=%s realm=%s resources=%v\n",
					e.Key, e.Kind, e.Realm, e.Resources)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "USER", "entity kind (USER, GROUP, ANY_OBJECT)")
	cmd.Flags().StringVar(&realm, "realm", "", "realm filter; empty matches all realms")

	return cmd
}

func newEntityGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			entity, err := a.store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(entity)
		},
	}
}

func newEntityDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an entity and deprovision it everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.runner.DeleteEntity(ctx, args[0])
			if err != nil {
				return err
			}
			return printStatuses(statuses)
		},
	}
}

func newEntityVirCommand() *cobra.Command {
	var write []string

	cmd := &cobra.Command{
		Use:   "vir <key> <schema>",
		Short: "Read or write a virtual attribute",
		Long: `Read a virtual attribute through the write-through cache, or write it
with --set. Writes go to the binding resource first and only then update
the cache.`,
		Example: `  # Read the groups of a user from the directory
  idsync entity vir jdoe ldapGroups

  # Replace the value on the binding resource
  idsync entity vir jdoe ldapGroups --set admins --set users`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			key, schema := args[0], args[1]

			if cmd.Flags().Changed("set") {
				status, err := a.runner.WriteVirtualAttribute(ctx, key, schema, write)
				if err != nil {
					return err
				}
				return printJSON(status)
			}

			values, err := a.runner.ReadVirtualAttribute(ctx, key, schema)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(values)
			}
			for _, v := range values {
				fmt.Println(v)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&write, "set", nil, "value to write; repeatable")

	return cmd
}

// printStatuses renders propagation statuses in table or JSON form.
func printStatuses(statuses []engine.PropagationStatus) error {
	if jsonOutput {
		return printJSON(statuses)
	}
	for _, s := range statuses {
		fmt.Printf("%-20s %-8s %s\n", s.ResourceKey, s.Status, s.Message)
	}
	return nil
}
