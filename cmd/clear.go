package cmd

import (
	"github.com/dnitsch/appsync-anon-auth/internal/cmdutils"
	"github.com/spf13/cobra"
)

var (
	all      bool
	clearCmd = &cobra.Command{
		Use:   "clear-cache <flags>",
		Short: "Clears any stored credentials in the configured cache",
		RunE:  clear,
	}
)

func init() {
	clearCmd.PersistentFlags().BoolVarP(&all, "all", "a", false, "Also remove the credentials of every other pool stored in the OS secret store")
	RootCmd.AddCommand(clearCmd)
}

func clear(cmd *cobra.Command, args []string) error {
	conf := configFromFlags()
	cache, err := cmdutils.NewCache(conf, newLogger())
	if err != nil {
		return err
	}
	return cmdutils.ClearCache(cache, all, "")
}
