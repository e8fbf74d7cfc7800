package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dnitsch/appsync-anon-auth/internal/cmdutils"
	"github.com/dnitsch/appsync-anon-auth/internal/credentialexchange"
	"github.com/dnitsch/appsync-anon-auth/internal/graphql"
	"github.com/dnitsch/appsync-anon-auth/internal/signer"
	"github.com/spf13/cobra"
)

var (
	query         string
	queryFile     string
	operationName string
	variables     string
	introspection bool
	queryCmd      = &cobra.Command{
		Use:   "query <flags>",
		Short: "Send a signed GraphQL query",
		Long: `Send a GraphQL query to the AppSync endpoint signed with the anonymous credentials.
The raw JSON response, including any GraphQL errors, is written to stdout.`,
		RunE: runQuery,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if !introspection && query == "" && queryFile == "" {
				return fmt.Errorf("one of --query, --query-file or --introspection is required, %w", cmdutils.ErrMissingArg)
			}
			return nil
		},
	}
)

func init() {
	queryCmd.PersistentFlags().StringVarP(&query, "query", "q", "", "GraphQL query document")
	queryCmd.PersistentFlags().StringVarP(&queryFile, "query-file", "f", "", "Read the GraphQL query document from a file")
	queryCmd.PersistentFlags().StringVarP(&operationName, "operation", "o", "", "Operation name to execute")
	queryCmd.PersistentFlags().StringVarP(&variables, "variables", "", "", `Query variables as a JSON object, e.g. '{"id": 34}'`)
	queryCmd.PersistentFlags().BoolVarP(&introspection, "introspection", "", false, "Dump the schema of the endpoint")
	RootCmd.AddCommand(queryCmd)
}

func buildRequest() (*graphql.Request, error) {
	if introspection {
		return graphql.NewRequest(graphql.IntrospectionQuery, "IntrospectionQuery"), nil
	}
	doc := query
	if queryFile != "" {
		b, err := os.ReadFile(queryFile)
		if err != nil {
			return nil, err
		}
		doc = string(b)
	}
	req := graphql.NewRequest(doc, operationName)
	if variables != "" {
		vars := map[string]any{}
		if err := json.Unmarshal([]byte(variables), &vars); err != nil {
			return nil, fmt.Errorf("--variables must be a JSON object: %s, %w", err, cmdutils.ErrMissingArg)
		}
		for k, v := range vars {
			req.WithVariable(k, v)
		}
	}
	return req, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	req, err := buildRequest()
	if err != nil {
		return err
	}

	s, err := newSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.close()

	client := graphql.NewClient(s.conf.GraphQLEndpoint, s.manager,
		signer.New(s.conf.Region, credentialexchange.APPSYNC_SERVICE),
		graphql.WithHTTPClient(s.httpClient),
		graphql.WithLogger(s.log))

	return cmdutils.Query(cmd.Context(), client, req, cmd.OutOrStdout())
}
