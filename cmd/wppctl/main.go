// Command wppctl inspects and repairs stored conversations.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd(dynamoStore).Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd(open storeOpener) *cobra.Command {
	var table string
	root := &cobra.Command{
		Use:          "wppctl",
		Short:        "Inspect and repair WhatsApp relay conversation state",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&table, "table", os.Getenv("STATE_TABLE"), "DynamoDB state table (default $STATE_TABLE)")

	tableName := func() string { return table }
	root.AddCommand(checkCmd(open, tableName))
	root.AddCommand(inspectCmd(open, tableName))
	root.AddCommand(resetCmd(open, tableName))
	return root
}
