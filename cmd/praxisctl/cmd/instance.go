package cmd

import (
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/orchestrator"
)

var startCmd = &cobra.Command{
	Use:   "start [lab]",
	Short: "Start a lab instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodPost, "/api/labs/"+args[0]+"/start", nil)
		if err != nil {
			return err
		}
		var res orchestrator.StartResult
		if err := decodeOrFail(resp, &res); err != nil {
			return err
		}

		cmd.Printf("Instance %s started\n", res.InstanceID)
		for _, p := range res.Ports {
			cmd.Printf("  port %d -> %d/%s\n", p.HostPort, p.SandboxPort, p.Proto)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [lab]",
	Short: "Stop the active lab instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodPost, "/api/labs/"+args[0]+"/stop", nil)
		if err != nil {
			return err
		}
		if err := decodeOrFail(resp, nil); err != nil {
			return err
		}
		cmd.Println("Instance stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [lab]",
	Short: "Show the active instance with live resource usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodGet, "/api/labs/"+args[0]+"/status", nil)
		if err != nil {
			return err
		}
		var st orchestrator.StatusResult
		if err := decodeOrFail(resp, &st); err != nil {
			return err
		}

		cmd.Printf("Instance:  %s\n", st.Instance.ID)
		cmd.Printf("Status:    %s\n", st.Instance.Status)
		cmd.Printf("Uptime:    %s\n", time.Since(st.Instance.CreatedAt).Round(time.Second))
		if st.Metrics != nil {
			cmd.Printf("CPU:       %.1f%% (avg %.1f%%)\n",
				st.Metrics.Latest.CPUPercent, st.Metrics.AvgCPUPercent)
			cmd.Printf("Memory:    %d MiB\n", st.Metrics.Latest.MemoryBytes>>20)
		}
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List the user's lab instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodGet, "/api/instances", nil)
		if err != nil {
			return err
		}
		var instances []domain.LabInstance
		if err := decodeOrFail(resp, &instances); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tLAB\tSTATUS\tCREATED")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				inst.ID, inst.LabID, inst.Status,
				time.Since(inst.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(psCmd)
}
