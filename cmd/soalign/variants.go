package main

import (
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"soalign/internal/variant"
)

var variantsCmd = &cobra.Command{
	Use:   "variants",
	Short: "List the supported ABIs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		renderVariants(cmd.OutOrStdout(), variant.All())
		return nil
	},
}

func renderVariants(out io.Writer, variants []variant.Variant) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ABI", "Class", "Endian", "Machine", "Format", "Output dir"})
	table.SetBorder(false)
	for _, v := range variants {
		table.Append([]string{
			v.ID,
			v.Triple.Class.String(),
			v.Triple.Endian.String(),
			v.Triple.Machine.String(),
			v.Format,
			v.Subdir,
		})
	}
	table.Render()
}
