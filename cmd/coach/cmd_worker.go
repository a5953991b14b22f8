package main

import (
	"fmt"
	"os"

	"codecoach/internal/sandbox"

	"github.com/spf13/cobra"
)

// workerCmd runs one sandboxed submission. The parent process starts it
// under resource limits; it is not meant to be run by hand.
var workerCmd = &cobra.Command{
	Use:    "sandbox-worker",
	Short:  "Execute a submission payload (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("payload")
		jail, _ := cmd.Flags().GetBool("jail")
		err := sandbox.RunWorker(sandbox.WorkerOptions{
			PayloadPath: path,
			Jail:        jail,
			Stdin:       os.Stdin,
			Stdout:      os.Stdout,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, sandbox.WorkerErrorPrefix+err.Error())
			os.Exit(2)
		}
	},
}

func init() {
	workerCmd.Flags().String("payload", "", "Payload file")
	workerCmd.Flags().Bool("jail", false, "Pivot into a read-only jail first (isolated backend only)")
	_ = workerCmd.MarkFlagRequired("payload")
}
