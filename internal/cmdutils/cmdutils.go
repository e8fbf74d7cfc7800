package cmdutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/dnitsch/appsync-anon-auth/internal/credentialexchange"
	"github.com/dnitsch/appsync-anon-auth/internal/graphql"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingArg       = errors.New("missing arg")
	ErrUnableToValidate = errors.New("unable to validate token")
	ErrUnknownCache     = errors.New("unknown cache backend")
)

// CredentialsManager is satisfied by *credentialexchange.Manager
type CredentialsManager interface {
	Credentials(ctx context.Context) (*credentialexchange.Credentials, error)
	ForceRefresh(ctx context.Context) (*credentialexchange.Credentials, error)
}

// ClearableCache is a credential cache that can be emptied from the CLI
type ClearableCache interface {
	credentialexchange.Cache
	Clear() error
}

// GraphQLSender is satisfied by *graphql.Client
type GraphQLSender interface {
	Send(ctx context.Context, req *graphql.Request, out any) error
}

// NewCache returns the cache backend selected in the config
func NewCache(conf credentialexchange.CredentialConfig, log logrus.FieldLogger) (ClearableCache, error) {
	switch conf.Cache {
	case credentialexchange.CacheMemory:
		return credentialexchange.NewMemoryCache(nil), nil
	case credentialexchange.CacheFile, "":
		path := conf.CacheFile
		if path == "" {
			path = credentialexchange.DefaultCacheFile("")
		}
		return credentialexchange.NewJSONFileCache(path, log), nil
	case credentialexchange.CacheKeyring:
		u, err := user.Current()
		if err != nil {
			return nil, err
		}
		ss, err := credentialexchange.NewSecretStore(conf.IdentityPoolId, "", u.Username)
		if err != nil {
			return nil, err
		}
		if log != nil {
			ss.WithLogger(log)
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("%q, %w", conf.Cache, ErrUnknownCache)
	}
}

func checkProfileArgs(conf credentialexchange.CredentialConfig) error {
	if conf.BaseConfig.CfgSectionName == "" && conf.BaseConfig.StoreInProfile {
		return fmt.Errorf("Config-Section name must be provided if store-profile is enabled %w", ErrMissingArg)
	}
	return nil
}

// GetCredentials reuses the cached credentials when still valid and
// hands them to the credential_process output or the named profile
func GetCredentials(ctx context.Context, mgr CredentialsManager, conf credentialexchange.CredentialConfig, w io.Writer) error {
	if err := checkProfileArgs(conf); err != nil {
		return err
	}
	creds, err := mgr.Credentials(ctx)
	if err != nil {
		return err
	}
	return credentialexchange.SetCredentials(creds, conf, w)
}

// Refresh discards whatever is cached and acquires new credentials
func Refresh(ctx context.Context, mgr CredentialsManager, conf credentialexchange.CredentialConfig, w io.Writer) error {
	if err := checkProfileArgs(conf); err != nil {
		return err
	}
	creds, err := mgr.ForceRefresh(ctx)
	if err != nil {
		return err
	}
	return credentialexchange.SetCredentials(creds, conf, w)
}

type callerIdentity struct {
	Account string
	Arn     string
	UserId  string
}

// WhoAmI prints the identity behind the current credentials, refreshing
// them first when AWS no longer accepts them
func WhoAmI(ctx context.Context, mgr CredentialsManager, svc credentialexchange.CallerIdentityApi, conf credentialexchange.CredentialConfig, w io.Writer) error {
	creds, err := mgr.Credentials(ctx)
	if err != nil {
		return err
	}

	credsValid, err := credentialexchange.IsValid(ctx, creds, conf.BaseConfig.ReloadBeforeTime, svc)
	if err != nil {
		return fmt.Errorf("failed to validate: %s, %w", err, ErrUnableToValidate)
	}
	if !credsValid {
		if creds, err = mgr.ForceRefresh(ctx); err != nil {
			return err
		}
	}

	out, err := credentialexchange.CallerIdentity(ctx, creds, svc)
	if err != nil {
		return err
	}
	return writeJson(w, callerIdentity{
		Account: aws.ToString(out.Account),
		Arn:     aws.ToString(out.Arn),
		UserId:  aws.ToString(out.UserId),
	})
}

// Query sends a single GraphQL request and prints the raw response
func Query(ctx context.Context, client GraphQLSender, req *graphql.Request, w io.Writer) error {
	if req == nil || req.Query == "" {
		return fmt.Errorf("a query must be provided, %w", ErrMissingArg)
	}
	out := map[string]any{}
	if err := client.Send(ctx, req, &out); err != nil {
		return err
	}
	return writeJson(w, out)
}

// ClearCache empties the configured cache. With all set every pool stored
// in the OS keyring is removed together with the INI bookkeeping file.
func ClearCache(cache ClearableCache, all bool, baseDir string) error {
	if err := cache.Clear(); err != nil {
		return err
	}
	if !all {
		return nil
	}
	if ss, ok := cache.(*credentialexchange.SecretStore); ok {
		if err := ss.ClearAll(); err != nil {
			return err
		}
	}
	if err := os.Remove(credentialexchange.ConfigIniFile(baseDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeJson(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
