package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/appconfig"
	"pkt.systems/tabkeeper/internal/persist"
	"pkt.systems/tabkeeper/schema"
)

func newStateCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted tab state",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.AddCommand(newStateListCmd(&cfgPath))
	cmd.AddCommand(newStateShowCmd(&cfgPath))
	cmd.AddCommand(newStateClearCmd(&cfgPath))
	return cmd
}

// withAdapter opens the configured backend for the duration of fn.
func withAdapter(cmd *cobra.Command, cfgPath string, fn func(*persist.Adapter) error) error {
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		return err
	}
	serviceCfg, err := schema.NormalizeServiceConfig(cfg.ServiceConfig())
	if err != nil {
		return err
	}
	logger := pslog.Ctx(cmd.Context())
	backend, closer, err := persist.Open(serviceCfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("state backend close failed", "err", err)
		}
	}()
	return fn(persist.NewAdapter(backend, logger))
}

func newStateListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List storage keys with persisted state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdapter(cmd, *cfgPath, func(adapter *persist.Adapter) error {
				keys, err := adapter.Keys()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, key := range keys {
					_, _ = fmt.Fprintln(out, key)
				}
				return nil
			})
		},
	}
}

func newStateShowCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show [storage-key]",
		Short: "Print the persisted state of a storage key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storageKeyArg(args)
			if err != nil {
				return err
			}
			return withAdapter(cmd, *cfgPath, func(adapter *persist.Adapter) error {
				state, ok, err := adapter.Load(key)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no state stored for %q", key)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			})
		},
	}
}

func newStateClearCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [storage-key]",
		Short: "Delete the persisted state of a storage key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storageKeyArg(args)
			if err != nil {
				return err
			}
			return withAdapter(cmd, *cfgPath, func(adapter *persist.Adapter) error {
				if err := adapter.Delete(key); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared state: %s\n", key)
				return nil
			})
		},
	}
}

func storageKeyArg(args []string) (schema.StorageKey, error) {
	if len(args) == 0 {
		return schema.DefaultStorageKey, nil
	}
	return schema.NormalizeStorageKey(schema.StorageKey(args[0]))
}
