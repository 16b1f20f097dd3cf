package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"soalign/internal/align"
	"soalign/internal/elfimage"
	"soalign/internal/variant"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [flags] <file>",
	Short: "Show the ELF triple, ABI and load segments of a library",
	Args:  cobra.ExactArgs(1),
	RunE:  inspectExecution,
}

func init() {
	inspectCmd.Flags().Uint64("page-size", align.DefaultAlignment, "page size the load segments are judged against")
	inspectCmd.Flags().Bool("sections", false, "also list the section header table")
}

func inspectExecution(cmd *cobra.Command, args []string) error {
	pageSize, err := cmd.Flags().GetUint64("page-size")
	if err != nil {
		return err
	}
	showSections, err := cmd.Flags().GetBool("sections")
	if err != nil {
		return err
	}
	if !align.IsPowerOfTwo(pageSize) {
		return fmt.Errorf("--page-size %d: %w", pageSize, align.ErrAlignmentNotPowerOfTwo)
	}
	colorFlag, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return err
	}
	colored, err := useColor(colorFlag, os.Stdout)
	if err != nil {
		return err
	}
	color.NoColor = !colored

	// #nosec G304 -- the user names the file to inspect
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	img, err := elfimage.Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return renderInspect(cmd.OutOrStdout(), args[0], img, pageSize, showSections)
}

func renderInspect(out io.Writer, name string, img *elfimage.Image, pageSize uint64, showSections bool) error {
	bold := color.New(color.Bold)
	fmt.Fprintf(out, "%s  %s\n", bold.Sprint(name), humanize.IBytes(uint64(img.Size())))
	fmt.Fprintf(out, "  triple:  %s\n", img.Triple())
	if v, ok := variant.Detect(img.Triple()); ok {
		fmt.Fprintf(out, "  abi:     %s (%s)\n", v.ID, v.Format)
	} else {
		fmt.Fprintf(out, "  abi:     %s\n", color.YellowString("none"))
	}
	h := img.Header()
	fmt.Fprintf(out, "  phdrs:   %d at %#x\n", h.PhNum, h.PhOff)
	fmt.Fprintf(out, "  shdrs:   %d at %#x\n\n", h.ShNum, h.ShOff)

	violations, err := align.Check(img, pageSize)
	if err != nil {
		return err
	}
	bad := make(map[int]string, len(violations))
	for _, v := range violations {
		bad[v.Index] = v.Reason
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Type", "Offset", "VAddr", "FileSz", "MemSz", "Flags", "Align", "Status"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for i, p := range img.ProgramHeaders() {
		status := ""
		if p.Type == elfimage.ProgLoad {
			status = color.GreenString("aligned")
			if reason, ok := bad[i]; ok {
				status = color.RedString(reason)
			}
		}
		table.Append([]string{
			strconv.Itoa(i),
			p.Type.String(),
			hex(p.Offset),
			hex(p.VAddr),
			humanize.IBytes(p.FileSize),
			humanize.IBytes(p.MemSize),
			p.FlagString(),
			hex(p.Align),
			status,
		})
	}
	table.Render()

	if showSections {
		fmt.Fprintln(out)
		sections := tablewriter.NewWriter(out)
		sections.SetHeader([]string{"#", "Name", "Offset", "Addr", "Size", "Align"})
		sections.SetBorder(false)
		sections.SetAutoWrapText(false)
		for i, s := range img.Sections() {
			sections.Append([]string{
				strconv.Itoa(i),
				s.Name,
				hex(s.Offset),
				hex(s.Addr),
				humanize.IBytes(s.Size),
				strconv.FormatUint(s.AddrAlign, 10),
			})
		}
		sections.Render()
	}

	if len(violations) > 0 {
		fmt.Fprintf(out, "\n%s %d load segment(s) need alignment to %s pages\n",
			color.RedString("misaligned:"), len(violations), humanize.IBytes(pageSize))
	}
	return nil
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
