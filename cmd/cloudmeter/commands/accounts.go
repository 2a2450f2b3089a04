package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meterwise/cloudmeter/pkg/engine"
	"github.com/meterwise/cloudmeter/pkg/model"
)

var (
	addCloud    string
	addCloudID  string
	addUser     string
	addRoleARN  string
	addTimeZone string
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage enrolled cloud accounts",
}

func newEngine(cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.New(cmd.Context(), cfg)
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enroll and enable an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		account, err := e.Accounts.Enroll(cmd.Context(), model.Account{
			CloudType:      model.CloudType(addCloud),
			CloudAccountID: addCloudID,
			User:           addUser,
			RoleARN:        addRoleARN,
			TimeZone:       addTimeZone,
		})
		if err != nil {
			return err
		}
		fmt.Println(account.ID)
		return nil
	},
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable <account-id>",
	Short: "Re-verify and enable an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		return e.Accounts.Enable(cmd.Context(), args[0])
	},
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Stop ingest for an account, keeping its records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		return e.Accounts.Disable(cmd.Context(), args[0])
	},
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <account-id>",
	Short: "Remove an account and its instances, events, and runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		return e.Accounts.Delete(cmd.Context(), args[0])
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cmd)
		if err != nil {
			return err
		}
		accounts, err := e.Store.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}
		for _, a := range accounts {
			state := "disabled"
			if a.Enabled {
				state = "enabled"
			}
			fmt.Printf("%-30s %-12s user=%s %s\n", a.ID, state, a.User, a.RoleARN)
		}
		return nil
	},
}

func init() {
	accountsAddCmd.Flags().StringVar(&addCloud, "cloud", "aws", "cloud type (aws or azure)")
	accountsAddCmd.Flags().StringVar(&addCloudID, "account-id", "", "cloud account or subscription id")
	accountsAddCmd.Flags().StringVar(&addUser, "user", "", "owning user")
	accountsAddCmd.Flags().StringVar(&addRoleARN, "role-arn", "", "enrollment role ARN (aws) or subscription id (azure)")
	accountsAddCmd.Flags().StringVar(&addTimeZone, "timezone", "", "roll-up timezone override")
	accountsAddCmd.MarkFlagRequired("account-id")
	accountsAddCmd.MarkFlagRequired("user")

	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsEnableCmd)
	accountsCmd.AddCommand(accountsDisableCmd)
	accountsCmd.AddCommand(accountsDeleteCmd)
	accountsCmd.AddCommand(accountsListCmd)
}
