// Command hoardd runs the Hoard daemon: it wires config, storage,
// migrations, the write coordinator, the memory and entity/chunk stores,
// the background worker, the sync engine, and the JSON-RPC tool
// dispatcher's two transports into one supervised process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "hoardd",
	Short: "hoardd - the Hoard personal knowledge store daemon",
	Long: `hoardd ingests documents, persists agent-written memories, and serves
hybrid lexical/semantic search and the memory lifecycle over a JSON-RPC
tool protocol, to multiple AI agents at once.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: $HOARD_DATA_DIR or ~/.hoard)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
