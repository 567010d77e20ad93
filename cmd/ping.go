// Package cmd holds the manager binary's cobra subcommands: small
// control-socket clients useful for scripting and health checks.
package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

// request/response mirror the control-plane envelopes; the subcommands are
// clients, so they keep their own wire structs rather than importing the
// server's internals.
type request struct {
	ID      int     `json:"id"`
	Command command `json:"command"`
}

type command struct {
	Type string `json:"type"`
}

type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
}

// defaultControlSocket mirrors the manager's own resolution order.
func defaultControlSocket(instance string) string {
	runDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if info, err := os.Stat(runDir); err == nil && info.IsDir() {
		return filepath.Join(runDir, "vimputti-"+instance)
	}
	return filepath.Join("/tmp", "vimputti-"+instance)
}

// roundTrip sends one command and reads one response line.
func roundTrip(socketPath string, cmdType string) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(request{ID: 1, Command: command{Type: cmdType}})
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// CreatePingCmd creates the ping command.
func CreatePingCmd() *cobra.Command {
	var socketPath string
	var instance string

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a running manager answers on its control socket",
		Run: func(_ *cobra.Command, _ []string) {
			if socketPath == "" {
				socketPath = defaultControlSocket(instance)
			}
			result, err := roundTrip(socketPath, "Ping")
			if err != nil {
				fmt.Fprintln(os.Stderr, "ping failed:", err)
				os.Exit(1)
			}
			fmt.Println(string(result))
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Control socket path")
	cmd.Flags().StringVar(&instance, "instance", "default", "Instance name")
	return cmd
}
