package cmd

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/dnitsch/appsync-anon-auth/internal/cmdutils"
	"github.com/spf13/cobra"
)

var (
	ErrUnableToCreateSession = errors.New("sts - cannot start a new session")
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami <flags>",
	Short: "Show the AWS identity behind the anonymous credentials",
	Long: `Calls STS GetCallerIdentity with the current credentials.
Credentials AWS no longer accepts are refreshed first.`,
	RunE: whoami,
}

func init() {
	RootCmd.AddCommand(whoamiCmd)
}

func whoami(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	// every call overrides the credentials with the managed ones
	cfg, err := config.LoadDefaultConfig(cmd.Context(),
		config.WithRegion(s.conf.Region),
		config.WithHTTPClient(s.httpClient),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s, %w", err, ErrUnableToCreateSession)
	}

	return cmdutils.WhoAmI(cmd.Context(), s.manager, sts.NewFromConfig(cfg), s.conf, cmd.OutOrStdout())
}
