package credentialexchange

import "time"

const (
	SELF_NAME             = "appsync-anon-auth"
	INI_CONF_SECTION      = "pool"
	DEFAULT_IDENTITY_POOL = "us-east-1:16da77fa-4392-4d35-bd47-bb0e2d3f73be"
	DEFAULT_REGION        = "us-east-1"
	DEFAULT_GRAPHQL_URL   = "https://kxbwmqov6jgg3daaamb744ycu4.appsync-api.us-east-1.amazonaws.com/graphql"
	APPSYNC_SERVICE       = "appsync"
	CACHE_FILE_NAME       = "credentials.json"
)

// CacheBackend selects where acquired credentials are kept between runs
type CacheBackend string

const (
	CacheMemory  CacheBackend = "memory"
	CacheFile    CacheBackend = "file"
	CacheKeyring CacheBackend = "keyring"
)

type BaseConfig struct {
	CfgSectionName   string
	StoreInProfile   bool
	ReloadBeforeTime int
}

type CredentialConfig struct {
	BaseConfig         BaseConfig
	IdentityPoolId     string
	Region             string
	FederationEndpoint string
	GraphQLEndpoint    string
	Cache              CacheBackend
	CacheFile          string
	RequestTimeout     time.Duration
}

// WithDefaults fills in any unset field with the public pool defaults
func (c CredentialConfig) WithDefaults() CredentialConfig {
	if c.IdentityPoolId == "" {
		c.IdentityPoolId = DEFAULT_IDENTITY_POOL
	}
	if c.Region == "" {
		c.Region = DEFAULT_REGION
	}
	if c.GraphQLEndpoint == "" {
		c.GraphQLEndpoint = DEFAULT_GRAPHQL_URL
	}
	if c.Cache == "" {
		c.Cache = CacheFile
	}
	if c.CacheFile == "" {
		c.CacheFile = DefaultCacheFile("")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}
