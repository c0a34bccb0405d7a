package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirychukyurii/loadgen-manager/internal/model"
)

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Manage test report records and their files",
	}

	cmd.AddCommand(
		newReportsListCmd(),
		newReportsGetCmd(),
		newReportsAddCmd(),
		newReportsDeleteCmd(),
		newReportsDeleteResultsCmd(),
		newReportsFileCmd(),
	)
	return cmd
}

func newReportsListCmd() *cobra.Command {
	var filter model.ReportFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				reports, err := a.reports.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"total":   len(reports),
					"reports": reports,
				})
			})
		},
	}

	cmd.Flags().Int64Var(&filter.CaseID, "case", 0, "test case id")
	cmd.Flags().StringVar(&filter.Name, "name", "", "substring of the result file name")
	return cmd
}

func newReportsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				report, err := a.reports.Get(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newReportsAddCmd() *cobra.Command {
	var report model.Report

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a debug run result file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				saved, err := a.reports.Save(cmd.Context(), &report)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), saved)
			})
		},
	}

	cmd.Flags().Int64Var(&report.CaseID, "case", 0, "test case id")
	cmd.Flags().StringVar(&report.Name, "name", "", "result file name relative to the case directory")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newReportsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete reports with their result and report files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				deleted, err := a.reports.DeleteBatch(cmd.Context(), ids)
				if perr := printJSON(cmd.OutOrStdout(), map[string]any{"deleted": deleted}); perr != nil && err == nil {
					return perr
				}
				return err
			})
		},
	}
}

func newReportsDeleteResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-results ID...",
		Short: "Delete raw result files, keeping the records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				return a.reports.DeleteResultFiles(cmd.Context(), ids)
			})
		},
	}
}

func newReportsFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "file ID",
		Short: "Print the path of a generated report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				path, err := a.reports.ReportFile(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
				return err
			})
		},
	}
}
