package credentialexchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	ini "gopkg.in/ini.v1"
)

var (
	ErrSectionNotFound = errors.New("section not found")
	ErrConfigFailure   = errors.New("config error")
)

func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatal("unable to get the user home dir")
	}
	return home
}

func ConfigIniFile(basePath string) string {
	var base string
	if basePath != "" {
		base = basePath
	} else {
		base = HomeDir()
	}
	return filepath.Join(base, fmt.Sprintf(".%s.ini", SELF_NAME))
}

// processCredentials is the payload expected by the AWS credential_process setting
type processCredentials struct {
	Version         int
	AccessKeyId     string
	SecretAccessKey string
	SessionToken    string `json:",omitempty"`
	Expiration      string `json:",omitempty"`
}

// SetCredentials either stores the credentials under a named profile in the
// shared credentials file or writes the credential_process payload to w
func SetCredentials(creds *Credentials, config CredentialConfig, w io.Writer) error {
	if creds == nil {
		return fmt.Errorf("no credentials to set, %w", ErrFailedCredentials)
	}
	if config.BaseConfig.StoreInProfile {
		if config.BaseConfig.CfgSectionName == "" {
			return fmt.Errorf("a profile name must be provided with store-profile, %w", ErrSectionNotFound)
		}
		return storeCredentialsInProfile(*creds, config.BaseConfig.CfgSectionName)
	}
	return returnStdOutAsJson(*creds, w)
}

func sharedCredentialsFile() string {
	if overriddenpath, exists := os.LookupEnv("AWS_SHARED_CREDENTIALS_FILE"); exists {
		return overriddenpath
	}
	return filepath.Join(HomeDir(), ".aws", "credentials")
}

func storeCredentialsInProfile(creds Credentials, configSection string) error {
	awsConfPath := sharedCredentialsFile()
	if err := os.MkdirAll(filepath.Dir(awsConfPath), 0o755); err != nil {
		return fmt.Errorf("%s, %w", err, ErrConfigFailure)
	}

	cfg, err := ini.LooseLoad(awsConfPath)
	if err != nil {
		return fmt.Errorf("%s, %w", err, ErrConfigFailure)
	}
	cfg.Section(configSection).Key("aws_access_key_id").SetValue(creds.AccessKeyId)
	cfg.Section(configSection).Key("aws_secret_access_key").SetValue(creds.SecretKey)
	if creds.SessionToken != "" {
		cfg.Section(configSection).Key("aws_session_token").SetValue(creds.SessionToken)
	} else {
		cfg.Section(configSection).DeleteKey("aws_session_token")
	}
	return cfg.SaveTo(awsConfPath)
}

func returnStdOutAsJson(creds Credentials, w io.Writer) error {
	out := processCredentials{
		Version:         1,
		AccessKeyId:     creds.AccessKeyId,
		SecretAccessKey: creds.SecretKey,
		SessionToken:    creds.SessionToken,
	}
	if creds.Expiration != nil {
		out.Expiration = creds.Expiration.UTC().Format(time.RFC3339)
	}

	jsonBytes, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, string(jsonBytes))
	return err
}

// ReloadBeforeExpiry returns true if the time
// to expiry is less than the specified time in seconds
// false if there is more than required time in seconds
// before needing to recycle credentials
func ReloadBeforeExpiry(expiry time.Time, reloadBeforeSeconds int) bool {
	now := time.Now().Local()
	diff := expiry.Local().Sub(now)
	return diff.Seconds() < float64(reloadBeforeSeconds)
}
