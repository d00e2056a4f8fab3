package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <document.pdf>",
	Short: "Submit a lab document for interpretation",
	Long: `Submit a lab document for interpretation.

Examples:
  labdesk submit resultats.pdf --patient patient-42 --analysis analysis-7
  labdesk submit bilan.pdf --patient patient-42 --analysis analysis-8 --notes "diabète de type 2"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patientID, _ := cmd.Flags().GetString("patient")
		analysisID, _ := cmd.Flags().GetString("analysis")
		notes, _ := cmd.Flags().GetString("notes")

		if patientID == "" || analysisID == "" {
			return fmt.Errorf("--patient and --analysis are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), "/interpretations", args[0], map[string]string{
			"patientId":  patientID,
			"analysisId": analysisID,
			"notes":      notes,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Submitted %s", args[0])
		printStatus("Interpretation", "%s", result["interpretationId"])
		printStatus("Status", "%s", result["status"])
		return nil
	},
}

func init() {
	submitCmd.Flags().String("patient", "", "patient id the document belongs to")
	submitCmd.Flags().String("analysis", "", "analysis id the document belongs to")
	submitCmd.Flags().String("notes", "", "optional clinical notes for the interpretation")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one interpretation record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interpretations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var rec map[string]any
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		pretty, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(pretty))
		return nil
	},
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List interpretation records",
	Long: `List interpretation records.

Examples:
  labdesk list --patient patient-42
  labdesk list --status failed
  labdesk list --risk high --limit 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		patientID, _ := cmd.Flags().GetString("patient")
		status, _ := cmd.Flags().GetString("status")
		risk, _ := cmd.Flags().GetString("risk")
		limit, _ := cmd.Flags().GetInt("limit")
		page, _ := cmd.Flags().GetInt("page")

		q := url.Values{}
		if patientID != "" {
			q.Set("patientId", patientID)
		}
		if status != "" {
			q.Set("status", status)
		}
		if risk != "" {
			q.Set("riskLevel", risk)
		}
		q.Set("limit", fmt.Sprintf("%d", limit))
		q.Set("page", fmt.Sprintf("%d", page))

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interpretations?"+q.Encode())
		if err != nil {
			return err
		}

		var result struct {
			Interpretations []struct {
				ID           string `json:"id"`
				PatientID    string `json:"patientId"`
				Status       string `json:"status"`
				RiskLevel    string `json:"riskLevel"`
				OriginalName string `json:"originalName"`
			} `json:"interpretations"`
			Pagination struct {
				Page       int `json:"page"`
				Total      int `json:"total"`
				TotalPages int `json:"totalPages"`
			} `json:"pagination"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Interpretations) == 0 {
			fmt.Fprintln(os.Stdout, "no interpretations found")
			return nil
		}

		for _, rec := range result.Interpretations {
			risk := rec.RiskLevel
			if risk == "" {
				risk = "-"
			}
			fmt.Fprintf(os.Stdout, "%s  %-11s  %-7s  %-10s  %s\n",
				rec.ID, rec.Status, risk, rec.PatientID, rec.OriginalName)
		}
		fmt.Fprintf(os.Stdout, "page %d of %d (%d total)\n",
			result.Pagination.Page, result.Pagination.TotalPages, result.Pagination.Total)
		return nil
	},
}

func init() {
	listCmd.Flags().String("patient", "", "filter by patient id")
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().String("risk", "", "filter by risk level")
	listCmd.Flags().Int("limit", 20, "records per page")
	listCmd.Flags().Int("page", 1, "page number")
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed interpretation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/interpretations/"+url.PathEscape(args[0])+"/retry")
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Requeued interpretation %s", args[0])
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate interpretation statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interpretations/statistics")
		if err != nil {
			return err
		}

		var stats struct {
			ByStatus []struct {
				Key   string `json:"key"`
				Count int    `json:"count"`
			} `json:"byStatus"`
			ByRiskLevel []struct {
				Key   string `json:"key"`
				Count int    `json:"count"`
			} `json:"byRiskLevel"`
			AvgProcessingMS float64 `json:"averageProcessingTime"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		if len(stats.ByStatus) == 0 {
			fmt.Fprintln(os.Stdout, "no interpretations yet")
			return nil
		}

		fmt.Fprintln(os.Stdout, "By status:")
		for _, b := range stats.ByStatus {
			fmt.Fprintf(os.Stdout, "  %-12s %d\n", b.Key, b.Count)
		}
		if len(stats.ByRiskLevel) > 0 {
			fmt.Fprintln(os.Stdout, "By risk level:")
			for _, b := range stats.ByRiskLevel {
				fmt.Fprintf(os.Stdout, "  %-12s %d\n", b.Key, b.Count)
			}
		}
		if stats.AvgProcessingMS > 0 {
			fmt.Fprintf(os.Stdout, "Average processing time: %s\n", formatMillis(stats.AvgProcessingMS))
		}
		return nil
	},
}

func formatMillis(ms float64) string {
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	return fmt.Sprintf("%.1fs", ms/1000)
}
