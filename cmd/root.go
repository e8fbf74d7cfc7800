package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dnitsch/appsync-anon-auth/internal/cmdutils"
	"github.com/dnitsch/appsync-anon-auth/internal/credentialexchange"
	"github.com/dnitsch/appsync-anon-auth/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	RootCmd = &cobra.Command{
		Use:   credentialexchange.SELF_NAME,
		Short: "CLI tool for retrieving anonymous AppSync credentials",
		Long: `CLI tool for retrieving temporary AWS credentials from an anonymous Cognito identity pool
and sending signed GraphQL queries to the AppSync API that trusts it.
Credentials are cached between runs and only refreshed once they expire, they can be returned
as a credential_process payload or stored under a named profile in the AWS credentials file`,
		SilenceUsage: true,
	}
)

func Execute(ctx context.Context) {
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	f := RootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is $HOME/.%s.yaml)", credentialexchange.SELF_NAME))
	f.StringP("identity-pool", "p", credentialexchange.DEFAULT_IDENTITY_POOL, "Cognito identity pool id to request anonymous credentials from")
	f.String("region", credentialexchange.DEFAULT_REGION, "AWS region of the identity pool and the GraphQL API")
	f.String("federation-endpoint", "", "Override the Cognito identity endpoint, e.g. for a local mock")
	f.String("graphql-endpoint", credentialexchange.DEFAULT_GRAPHQL_URL, "AppSync GraphQL endpoint")
	f.String("cache", string(credentialexchange.CacheFile), "Where to keep credentials between runs [memory|file|keyring]")
	f.String("cache-file", "", "Path of the credentials cache file (default is $HOME/.appsync-anon-auth/credentials.json)")
	f.Int("reload-before", 0, "Triggers a credentials refresh this many seconds before they expire")
	f.Duration("request-timeout", 30*time.Second, "Timeout of each HTTP request")
	f.StringP("cfg-section", "", "", "Profile name in the AWS credentials file, used with --store-profile")
	f.BoolP("store-profile", "s", false, "By default the credentials are returned to stdout to be used by the credential_process. Set this flag to instead store the credentials under a named profile section")
	f.String("metrics-file", "", "Write credential cache metrics in the prometheus text format to this file on exit")
	f.BoolP("verbose", "v", false, "Verbose output")
	f.Bool("log-json", false, "Log in JSON instead of text")

	cobra.CheckErr(viper.BindPFlags(f))
}

func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(fmt.Sprintf(".%s", credentialexchange.SELF_NAME))
	}

	viper.SetEnvPrefix(strings.ReplaceAll(strings.ToUpper(credentialexchange.SELF_NAME), "-", "_"))
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		newLogger().WithField("path", viper.ConfigFileUsed()).Debug("using config file")
	}
}

func newLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if viper.GetBool("log-json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}
	l.SetLevel(logrus.WarnLevel)
	if viper.GetBool("verbose") {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

func configFromFlags() credentialexchange.CredentialConfig {
	return credentialexchange.CredentialConfig{
		BaseConfig: credentialexchange.BaseConfig{
			CfgSectionName:   viper.GetString("cfg-section"),
			StoreInProfile:   viper.GetBool("store-profile"),
			ReloadBeforeTime: viper.GetInt("reload-before"),
		},
		IdentityPoolId:     viper.GetString("identity-pool"),
		Region:             viper.GetString("region"),
		FederationEndpoint: viper.GetString("federation-endpoint"),
		GraphQLEndpoint:    viper.GetString("graphql-endpoint"),
		Cache:              credentialexchange.CacheBackend(viper.GetString("cache")),
		CacheFile:          viper.GetString("cache-file"),
		RequestTimeout:     viper.GetDuration("request-timeout"),
	}.WithDefaults()
}

// session holds everything a command needs to obtain credentials
type session struct {
	conf       credentialexchange.CredentialConfig
	log        logrus.FieldLogger
	httpClient *http.Client
	cache      cmdutils.ClearableCache
	manager    *credentialexchange.Manager
	registry   *prometheus.Registry
}

func newSession(ctx context.Context) (*session, error) {
	conf := configFromFlags()
	log := newLogger().WithField("pool", conf.IdentityPoolId)
	hc := &http.Client{Timeout: conf.RequestTimeout}

	cache, err := cmdutils.NewCache(conf, log)
	if err != nil {
		return nil, err
	}

	api, err := credentialexchange.NewCognitoApi(ctx, conf, hc)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	mgr := credentialexchange.NewManager(
		credentialexchange.NewFederationClient(api, conf.IdentityPoolId, log),
		cache,
		credentialexchange.WithLogger(log),
		credentialexchange.WithReloadBefore(time.Duration(conf.BaseConfig.ReloadBeforeTime)*time.Second),
		credentialexchange.WithObserver(metrics.NewObserver(reg, conf.IdentityPoolId, log)),
	)

	return &session{
		conf:       conf,
		log:        log,
		httpClient: hc,
		cache:      cache,
		manager:    mgr,
		registry:   reg,
	}, nil
}

// close flushes the collected metrics when a metrics file was requested
func (s *session) close() {
	path := viper.GetString("metrics-file")
	if path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(path, s.registry); err != nil {
		s.log.WithError(err).Warn("unable to write metrics file")
	}
}
