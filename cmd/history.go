package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/refacer/internal/types"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent reface jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context(), appCfg, true)
		if err != nil {
			return err
		}
		defer db.Close()

		jobs, err := db.ListJobs(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs recorded yet.")
			return nil
		}
		fmt.Println(renderJobs(jobs))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of jobs to show (0 = all)")
	rootCmd.AddCommand(historyCmd)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderJobs(jobs []types.JobRecord) string {
	headers := []string{"JOB", "STARTED", "VIDEO", "FACES", "NORMALIZED", "DURATION", "STATUS", "OUTPUT"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignLeft}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		id := j.ID
		if len(id) > 8 {
			id = id[:8]
		}
		status := j.Status
		if j.Error != "" {
			status += ": " + truncate(j.Error, 40)
		}
		rows = append(rows, []string{
			id,
			j.StartedAt.Local().Format("2006-01-02 15:04:05"),
			filepath.Base(j.VideoPath),
			strconv.Itoa(j.DirectiveCount),
			yesNo(j.Normalized),
			j.Duration().Round(time.Millisecond).String(),
			status,
			j.OutputPath,
		})
	}
	return renderTable(headers, rows, aligns)
}

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
