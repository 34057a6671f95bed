// Package main provides the casereview binary entry point. Casereview is a
// multi-agent compliance pipeline: cases submitted over HTTP flow through
// extraction, evaluation, and screening workers that coordinate over a
// message bus and share a workflow-state store.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "casereview"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent compliance case review pipeline",
		Long: `Casereview runs transaction files through a four-agent review pipeline:
the orchestrator accepts cases over HTTP, the extractor parses the source
file, the evaluator coordinates the batch, and the screener flags risky
transactions and writes the case summary.

Agents communicate over NATS JetStream, or over an in-process bus when no
NATS URL is configured.`,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(submitCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func submitCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "submit <case-id> <file-path>",
		Short: "Submit a case for review",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"case_id":   args[0],
				"file_path": args[1],
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(server+"/api/reviews", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("submit case: %w", err)
			}
			defer resp.Body.Close()

			return printResponse(resp, http.StatusAccepted)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Pipeline server address")
	return cmd
}

func statusCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status <case-id|conversation-id>",
		Short: "Show the review status of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(server + "/api/reviews/" + args[0])
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}
			defer resp.Body.Close()

			return printResponse(resp, http.StatusOK)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "Pipeline server address")
	return cmd
}

// printResponse pretty-prints a JSON API response, or surfaces the server's
// error text when the status is unexpected.
func printResponse(resp *http.Response, want int) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
