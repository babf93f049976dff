package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"github.com/teai-io/teai-backend/models"
	"github.com/teai-io/teai-backend/repository"
)

var (
	adminCreatedBy string
	adminJSON      bool
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage dashboard administrators",
}

var adminAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Grant admin rights to a Supabase user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		admins := repository.NewAdminRepository(rt.db, rt.log)
		admin, err := admins.Add(cmd.Context(), args[0], adminCreatedBy)
		if err != nil {
			return fmt.Errorf("add admin %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted admin to %s\n", admin.UserID)
		return nil
	},
}

var adminListCmd = &cobra.Command{
	Use:   "list",
	Short: "List administrators",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		admins, err := repository.NewAdminRepository(rt.db, rt.log).List(cmd.Context())
		if err != nil {
			return err
		}
		if adminJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(admins)
		}
		renderAdmins(cmd.OutOrStdout(), admins)
		return nil
	},
}

func renderAdmins(w io.Writer, admins []models.AdminUser) {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	borderStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("USER_ID", "CREATED_BY", "CREATED_AT")

	for _, a := range admins {
		createdBy := a.CreatedBy
		if createdBy == "" {
			createdBy = "-"
		}
		t.Row(a.UserID, createdBy, a.CreatedAt.Format("2006-01-02 15:04"))
	}

	fmt.Fprintln(w, headerStyle.Render("Administrators"))
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "\nTotal: %d\n", len(admins))
}

func init() {
	adminAddCmd.Flags().StringVar(&adminCreatedBy, "created-by", os.Getenv("USER"), "Recorded as the granting user")
	adminListCmd.Flags().BoolVar(&adminJSON, "json", false, "Output raw JSON")

	adminCmd.AddCommand(adminAddCmd, adminListCmd)
	rootCmd.AddCommand(adminCmd)
}
