package cmd

import (
	"github.com/dnitsch/appsync-anon-auth/internal/cmdutils"
	"github.com/spf13/cobra"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials <flags>",
	Short: "Get anonymous AWS credentials and out to stdout",
	Long: `Get anonymous AWS credentials, reusing cached ones until they expire.
The output is a credential_process payload unless --store-profile is set.`,
	RunE: getCredentials,
}

func init() {
	RootCmd.AddCommand(credentialsCmd)
}

func getCredentials(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()
	return cmdutils.GetCredentials(cmd.Context(), s.manager, s.conf, cmd.OutOrStdout())
}
