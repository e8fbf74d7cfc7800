// credentialexchange
//
// Handles the lifecycle of the short-lived credentials used to sign requests
// to the AppSync GraphQL API.
//
// Credentials are acquired from an anonymous Cognito identity pool in two
// steps (GetId followed by GetCredentialsForIdentity), cached in one of the
// Cache implementations (memory, JSON file or the OS keyring) and refreshed
// by the Manager once they expire.
//
// The federation service is rate limited and will temporarily ban callers that
// request credentials too often, so the Manager only ever runs a single
// exchange at a time no matter how many callers need fresh credentials.
package credentialexchange
