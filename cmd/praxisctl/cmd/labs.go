package cmd

import (
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/praxisrange/praxis/pkg/catalog"
	"github.com/praxisrange/praxis/pkg/domain"
)

var labsCmd = &cobra.Command{
	Use:   "labs",
	Short: "Inspect the lab catalog",
}

var labsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available labs",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doRequest(http.MethodGet, "/api/labs", nil)
		if err != nil {
			return err
		}
		var labs []domain.Lab
		if err := decodeOrFail(resp, &labs); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tDIFFICULTY\tMODE")
		for _, lab := range labs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				lab.ID, lab.Name, lab.Category, lab.Difficulty, lab.Mode)
		}
		return w.Flush()
	},
}

var labsValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a lab catalog file without deploying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.NewFileCatalog(args[0])
		if err != nil {
			return fmt.Errorf("catalog invalid: %w", err)
		}
		labs, err := cat.List(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("OK: %d active labs\n", len(labs))
		return nil
	},
}

func init() {
	labsCmd.AddCommand(labsListCmd)
	labsCmd.AddCommand(labsValidateCmd)
	rootCmd.AddCommand(labsCmd)
}
