package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func newInitCommand(deps *commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new credential store",
		Example: "  credstore init\n" +
			"  printf '%s\\n' \"$PASS\" | credstore --passphrase-stdin init",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("init does not accept positional arguments")
			}
			return deps.withOpenStore(cmd.Context(), func(ctx context.Context, s session) error {
				if s.store.IsInitialized() {
					return usageErrorf("store already initialized: %s", s.cfg.Storage.Path)
				}
				passphrase, err := deps.readNewSecret("New passphrase: ")
				if err != nil {
					return err
				}
				if err := s.store.Init(ctx, passphrase); err != nil {
					return err
				}
				defer s.store.Lock()

				if deps.globals.JSON {
					return printJSON(deps.out, map[string]any{
						"initialized": true,
						"store_path":  s.cfg.Storage.Path,
						"store_id":    s.store.StoreID(),
					})
				}
				return deps.printer().Printf("initialized store: %s (id %s)\n", s.cfg.Storage.Path, s.store.StoreID())
			})
		},
	}
}
