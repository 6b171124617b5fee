package main

import (
	"fmt"

	"github.com/cuemby/scansched/pkg/storage"
	"github.com/spf13/cobra"
)

var tabletCmd = &cobra.Command{
	Use:   "tablet",
	Short: "Manage tablets in the block store",
}

var tabletSeedCmd = &cobra.Command{
	Use:   "seed NAME",
	Short: "Append generated blocks to a tablet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		blocks, _ := cmd.Flags().GetInt("blocks")
		rows, _ := cmd.Flags().GetInt("rows")
		if blocks <= 0 || rows <= 0 {
			return fmt.Errorf("--blocks and --rows must be positive")
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		tablet := args[0]
		for b := 0; b < blocks; b++ {
			batch := make([][]byte, rows)
			for r := range batch {
				batch[r] = []byte(fmt.Sprintf("%s:%06d:%04d", tablet, b, r))
			}
			if _, err := store.AppendBlock(tablet, batch); err != nil {
				return err
			}
		}

		fmt.Printf("✓ Seeded tablet %s with %d blocks of %d rows\n", tablet, blocks, rows)
		return nil
	},
}

var tabletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tablets and their block counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		tablets, err := store.ListTablets()
		if err != nil {
			return err
		}
		if len(tablets) == 0 {
			fmt.Println("No tablets found")
			return nil
		}

		fmt.Printf("%-30s %s\n", "TABLET", "BLOCKS")
		for _, t := range tablets {
			seqs, err := store.Blocks(t)
			if err != nil {
				return err
			}
			fmt.Printf("%-30s %d\n", t, len(seqs))
		}
		return nil
	},
}

var tabletDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a tablet and all its blocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteTablet(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Tablet %s deleted\n", args[0])
		return nil
	},
}

func init() {
	tabletCmd.AddCommand(tabletSeedCmd)
	tabletCmd.AddCommand(tabletListCmd)
	tabletCmd.AddCommand(tabletDeleteCmd)

	tabletCmd.PersistentFlags().String("data-dir", "./scansched-data", "Directory holding the tablet store")
	tabletSeedCmd.Flags().Int("blocks", 64, "Number of blocks to append")
	tabletSeedCmd.Flags().Int("rows", 256, "Rows per block")
}
