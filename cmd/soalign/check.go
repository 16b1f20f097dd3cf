package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"soalign/internal/align"
	"soalign/internal/elfimage"
	"soalign/internal/variant"
)

var errNotAligned = errors.New("libraries are not aligned")

var checkCmd = &cobra.Command{
	Use:   "check [flags] <path>",
	Short: "Report libraries whose load segments are not page aligned",
	Long: `Check parses every shared library under path (or path itself when it is
a file) and lists the PT_LOAD segments that would not map with the given
page size. The exit status is 1 when anything is misaligned or unreadable.`,
	Args: cobra.ExactArgs(1),
	RunE: checkExecution,
}

func init() {
	checkCmd.Flags().Uint64("page-size", align.DefaultAlignment, "page size to check against (power of two)")
	checkCmd.Flags().String("format", "text", "output format (text|json)")
}

type checkEntry struct {
	File       string            `json:"file"`
	Triple     string            `json:"triple,omitempty"`
	Variant    string            `json:"variant,omitempty"`
	Loads      int               `json:"loads"`
	Error      string            `json:"error,omitempty"`
	Violations []align.Violation `json:"violations,omitempty"`
}

func (e checkEntry) ok() bool { return e.Error == "" && len(e.Violations) == 0 }

func checkExecution(cmd *cobra.Command, args []string) error {
	pageSize, err := cmd.Flags().GetUint64("page-size")
	if err != nil {
		return err
	}
	format, err := cmd.Flags().GetString("format")
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

	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	files, _, err := collectLibraries(cmd.Context(), args[0], "")
	if err != nil {
		return err
	}
	entries := checkFiles(files, pageSize)

	switch format {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return err
		}
	case "text":
		renderCheckText(cmd.OutOrStdout(), entries, pageSize)
	default:
		return fmt.Errorf("unsupported format %q (must be text or json)", format)
	}

	for _, e := range entries {
		if !e.ok() {
			return errNotAligned
		}
	}
	return nil
}

func checkFiles(files []string, pageSize uint64) []checkEntry {
	entries := make([]checkEntry, 0, len(files))
	for _, path := range files {
		entries = append(entries, checkFile(path, pageSize))
	}
	return entries
}

func checkFile(path string, pageSize uint64) checkEntry {
	e := checkEntry{File: path}
	// #nosec G304 -- path comes from the user or from discovery beneath it
	data, err := os.ReadFile(path)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	img, err := elfimage.Parse(data)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.Triple = img.Triple().String()
	if v, ok := variant.Detect(img.Triple()); ok {
		e.Variant = v.ID
	}
	e.Loads = len(img.Loads())
	e.Violations, err = align.Check(img, pageSize)
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func renderCheckText(out io.Writer, entries []checkEntry, pageSize uint64) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no shared libraries found")
		return
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"File", "ABI", "Loads", "Status"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	bad := 0
	for _, e := range entries {
		status := color.GreenString("aligned")
		switch {
		case e.Error != "":
			status = color.RedString("unreadable")
			bad++
		case len(e.Violations) > 0:
			status = color.RedString(strconv.Itoa(len(e.Violations)) + " misaligned")
			bad++
		}
		abi := e.Variant
		if abi == "" {
			abi = e.Triple
		}
		table.Append([]string{e.File, abi, strconv.Itoa(e.Loads), status})
	}
	table.Render()

	for _, e := range entries {
		if e.Error != "" {
			fmt.Fprintf(out, "%s: %s\n", e.File, e.Error)
		}
		for _, v := range e.Violations {
			fmt.Fprintf(out, "%s: %s\n", e.File, v)
		}
	}
	fmt.Fprintf(out, "%d of %d libraries need alignment to %d bytes\n", bad, len(entries), pageSize)
}
