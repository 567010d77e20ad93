package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CreateListCmd creates the list command, printing a running manager's
// live devices.
func CreateListCmd() *cobra.Command {
	var socketPath string
	var instance string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the devices a running manager is serving",
		Run: func(_ *cobra.Command, _ []string) {
			if socketPath == "" {
				socketPath = defaultControlSocket(instance)
			}
			result, err := roundTrip(socketPath, "ListDevices")
			if err != nil {
				fmt.Fprintln(os.Stderr, "list failed:", err)
				os.Exit(1)
			}
			fmt.Println(string(result))
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Control socket path")
	cmd.Flags().StringVar(&instance, "instance", "default", "Instance name")
	return cmd
}
