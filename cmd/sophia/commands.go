package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/sophia/pkg/events"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print repository layout and per-node statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		stat := env.Stat()
		fmt.Printf("status: %s\nlsn: %d\nwal files: %d\n", stat.Status, stat.LSN, len(stat.WALFiles))
		for _, st := range stat.Stores {
			fmt.Printf("\nstore %s (id %d)\n", st.Name, st.StoreID)
			for _, n := range st.Nodes {
				fmt.Printf("  node %020d  pages=%d keys=%d dup=%d lsn=[%d..%d] disk=%dB mem=%dB/%d\n",
					n.ID, n.Pages, n.Keys, n.DupKeys, n.LSNMin, n.LSNMax,
					n.DiskBytes, n.MemBytes, n.MemEntries)
			}
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact [store]",
	Short: "Rewrite every node of a store (all stores when omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		names := args
		if len(names) == 0 {
			names = env.Stores()
		}
		for _, name := range names {
			st, err := env.Store(name)
			if err != nil {
				return err
			}
			if err := st.Compact(); err != nil {
				return err
			}
			fmt.Printf("compacted %s\n", name)
		}
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Drain all in-memory writes to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Checkpoint(); err != nil {
			return err
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy the repository into the configured backup root",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		sub := env.Events().Subscribe()
		defer env.Events().Unsubscribe(sub)

		bsn, err := env.Backup()
		if err != nil {
			return err
		}
		for ev := range sub {
			if ev.Type == events.EventBackupCompleted {
				fmt.Printf("backup %020d complete\n", bsn)
				return nil
			}
			if ev.Type == events.EventBackupFailed || ev.Type == events.EventMalfunction {
				return fmt.Errorf("backup failed: %s", ev.Message)
			}
		}
		return nil
	},
}
