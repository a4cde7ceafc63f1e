package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aretw0/arbiter/pkg/control"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [channel]",
	Short: "Show the controllers of a running arbiter",
	Long: `Fetches the controller snapshots of a running "arbiter serve" and prints every
open gate per channel. The current winner is marked with an asterisk.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		asJSON, _ := cmd.Flags().GetBool("json")

		url := strings.TrimRight(server, "/") + "/controllers"
		if len(args) == 1 {
			url += "/" + args[0]
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("failed to reach arbiter: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
		}

		var states []control.ControllerState
		if len(args) == 1 {
			var st control.ControllerState
			err = json.Unmarshal(body, &st)
			states = append(states, st)
		} else {
			err = json.Unmarshal(body, &states)
		}
		if err != nil {
			return fmt.Errorf("invalid response: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(states)
		}
		printControllers(cmd.OutOrStdout(), states)
		return nil
	},
}

func printControllers(w io.Writer, states []control.ControllerState) {
	if len(states) == 0 {
		fmt.Fprintln(w, "no open gates")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\t\tSUBJECT\tAUTHORITY\tSTATE\tSINCE")
	for _, st := range states {
		for _, g := range st.Gates {
			mark := ""
			if st.Winner != nil && st.Winner.ID == g.ID {
				mark = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
				st.Channel, mark, g.Subject, g.Authority, g.State, g.Region.Start.Format(time.RFC3339))
		}
	}
	tw.Flush()
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().String("server", "http://localhost:8080", "Base URL of the arbiter server")
	inspectCmd.Flags().Bool("json", false, "Print the raw snapshots as JSON")
}
