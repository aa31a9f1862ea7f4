package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the virtual attribute cache",
	}

	cmd.AddCommand(newCacheClearCommand())

	return cmd
}

func newCacheClearCommand() *cobra.Command {
	var (
		entity   string
		resource string
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached virtual attribute values",
		Long: `Drop cached virtual attribute values so the next read refetches from
the binding resource. Without flags the whole cache is cleared; --entity or
--resource restricts the invalidation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, log.Logger, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			switch {
			case entity != "":
				a.cache.InvalidateEntity(entity)
			case resource != "":
				a.cache.InvalidateResource(resource)
			default:
				a.runner.ClearCache()
			}
			fmt.Printf("cache entries remaining: %d\n", a.cache.Size())
			return nil
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "invalidate one entity's cached values")
	cmd.Flags().StringVar(&resource, "resource", "", "invalidate values bound to one resource")

	return cmd
}
