package cmd

import (
	"github.com/dnitsch/appsync-anon-auth/internal/cmdutils"
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh <flags>",
	Short: "Discard cached credentials and request new ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()
		return cmdutils.Refresh(cmd.Context(), s.manager, s.conf, cmd.OutOrStdout())
	},
}

func init() {
	RootCmd.AddCommand(refreshCmd)
}
