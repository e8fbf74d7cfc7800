package credentialexchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

var (
	ErrInvalidExpiration = errors.New("invalid expiration timestamp")
)

// Credentials is a set of temporary keys handed out by the identity pool.
//
// A nil Expiration means the credentials never expire. Once built they are
// never modified, a refresh replaces the whole value.
type Credentials struct {
	AccessKeyId  string
	SecretKey    string
	SessionToken string
	Expiration   *time.Time
}

// Expired reports whether the credentials can no longer be used at now.
// Credentials are valid strictly before their expiration.
func (c *Credentials) Expired(now time.Time) bool {
	if c.Expiration == nil {
		return false
	}
	return !now.Before(*c.Expiration)
}

// ValidAt reports whether the credentials are usable at now, treating them as
// due for a refresh reloadBefore ahead of their expiration.
func (c *Credentials) ValidAt(now time.Time, reloadBefore time.Duration) bool {
	if c == nil {
		return false
	}
	return !c.Expired(now.Add(reloadBefore))
}

// ToAws converts to the SDK credential value used for signing
func (c *Credentials) ToAws() aws.Credentials {
	out := aws.Credentials{
		AccessKeyID:     c.AccessKeyId,
		SecretAccessKey: c.SecretKey,
		SessionToken:    c.SessionToken,
		Source:          SELF_NAME,
	}
	if c.Expiration != nil {
		out.CanExpire = true
		out.Expires = *c.Expiration
	}
	return out
}

// credentialsJSON is the persisted form, Expiration is expressed
// in seconds since the epoch with an optional fractional part.
type credentialsJSON struct {
	AccessKeyId  string        `json:"AccessKeyId"`
	SecretKey    string        `json:"SecretKey"`
	SessionToken string        `json:"SessionToken"`
	Expiration   *epochSeconds `json:"Expiration"`
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	out := credentialsJSON{
		AccessKeyId:  c.AccessKeyId,
		SecretKey:    c.SecretKey,
		SessionToken: c.SessionToken,
	}
	if c.Expiration != nil {
		e := epochSeconds(*c.Expiration)
		out.Expiration = &e
	}
	return json.Marshal(out)
}

func (c *Credentials) UnmarshalJSON(data []byte) error {
	in := credentialsJSON{}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*c = Credentials{
		AccessKeyId:  in.AccessKeyId,
		SecretKey:    in.SecretKey,
		SessionToken: in.SessionToken,
	}
	if in.Expiration != nil {
		t := time.Time(*in.Expiration)
		c.Expiration = &t
	}
	return nil
}

type epochSeconds time.Time

// MarshalJSON writes the exact nanosecond value as a decimal number
// so that reloading the file yields the same instant.
func (e epochSeconds) MarshalJSON() ([]byte, error) {
	t := time.Time(e)
	sec, nsec := t.Unix(), t.Nanosecond()
	if nsec == 0 {
		return []byte(strconv.FormatInt(sec, 10)), nil
	}
	if sec < 0 {
		f := float64(t.UnixNano()) / float64(time.Second)
		return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
	}
	frac := strings.TrimRight(fmt.Sprintf("%09d", nsec), "0")
	return []byte(fmt.Sprintf("%d.%s", sec, frac)), nil
}

func (e *epochSeconds) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	if raw == "null" {
		return nil
	}
	if t, ok := parseDecimalSeconds(raw); ok {
		*e = epochSeconds(t)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%s, %w", raw, ErrInvalidExpiration)
	}
	sec, frac := math.Modf(f)
	*e = epochSeconds(time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second)))))
	return nil
}

// parseDecimalSeconds handles the plain "<sec>[.<frac>]" form without going
// through a float so no precision is lost.
func parseDecimalSeconds(raw string) (time.Time, bool) {
	// "-0.5" would lose its sign once the whole part parses as 0
	if strings.HasPrefix(raw, "-") {
		return time.Time{}, false
	}
	whole, frac, hasFrac := strings.Cut(raw, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || sec < 0 {
		return time.Time{}, false
	}
	if !hasFrac {
		return time.Unix(sec, 0), true
	}
	if frac == "" || len(frac) > 9 {
		return time.Time{}, false
	}
	nsec, err := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
	if err != nil || nsec < 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, nsec), true
}
