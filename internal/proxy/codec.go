// Package proxy encodes proxy records into composite store keys and search patterns and keeps the
// pool of harvested records in the key-value store.
package proxy

import (
	"regexp"
	"strings"
	"time"
)

// KeyPrefix namespaces every proxy record key.
const KeyPrefix = "proxy_"

// MissingField is rendered into a key for any attribute the record lacks.
const MissingField = "None"

const wildcard = "*"

// Searchable field names.
const (
	FieldAnonymity = "anonymity"
	FieldScheme    = "scheme"
	FieldIP        = "ip"
	FieldPort      = "port"
)

// SearchableFields is the allow-list of attributes a query may filter on.
var SearchableFields = []string{FieldAnonymity, FieldScheme, FieldIP, FieldPort}

var (
	ipPattern   = regexp.MustCompile(`^(\d+\.){3}\d+$`)
	portPattern = regexp.MustCompile(`^\d+$`)
)

// Record is a harvested proxy's identifying attributes.
type Record struct {
	Anonymity string `json:"anonymity"`
	Scheme    string `json:"scheme"`
	IP        string `json:"ip"`
	Port      string `json:"port"`
	// CheckedAt is the epoch second of the last successful validation.
	CheckedAt int64 `json:"checked_at,omitempty"`
}

// Normalize lower-cases the scheme and trims whitespace from every attribute.
func (r Record) Normalize() Record {
	r.Anonymity = strings.TrimSpace(r.Anonymity)
	r.Scheme = strings.ToLower(strings.TrimSpace(r.Scheme))
	r.IP = strings.TrimSpace(r.IP)
	r.Port = strings.TrimSpace(r.Port)
	return r
}

// Address returns ip:port.
func (r Record) Address() string {
	return r.IP + ":" + r.Port
}

// URL returns scheme://ip:port.
func (r Record) URL() string {
	return r.Scheme + "://" + r.Address()
}

// Criteria is a partial attribute mapping used to search the pool.
type Criteria map[string]string

// FilterSearchable projects crit onto SearchableFields. Values are not validated.
func FilterSearchable(crit Criteria) Criteria {
	out := make(Criteria, len(SearchableFields))
	for _, field := range SearchableFields {
		if v, ok := crit[field]; ok {
			out[field] = v
		}
	}
	return out
}

// BuildKey renders the composite key for r. It is total: absent attributes render as MissingField.
func BuildKey(r Record) string {
	return compose(
		orDefault(r.Anonymity, MissingField),
		orDefault(r.Scheme, MissingField),
		orDefault(r.IP, MissingField),
		orDefault(r.Port, MissingField),
	)
}

// BuildPattern renders a glob matching every key whose attributes equal the non-empty values of crit.
func BuildPattern(crit Criteria) string {
	return compose(
		orDefault(crit[FieldAnonymity], wildcard),
		orDefault(crit[FieldScheme], wildcard),
		orDefault(crit[FieldIP], wildcard),
		orDefault(crit[FieldPort], wildcard),
	)
}

// IsValidFormat reports whether r may be admitted to the store. The ip and port checks are purely
// syntactic; octet and port ranges are not enforced.
func IsValidFormat(r Record) bool {
	if r.Scheme == "" || r.IP == "" || r.Port == "" {
		return false
	}
	switch strings.ToLower(r.Scheme) {
	case "http", "https":
	default:
		return false
	}
	return ipPattern.MatchString(r.IP) && portPattern.MatchString(r.Port)
}

// IsStale reports whether more than interval has passed since lastChecked (epoch seconds).
func IsStale(lastChecked int64, interval time.Duration, now time.Time) bool {
	return now.Unix()-lastChecked > int64(interval/time.Second)
}

func compose(anonymity, scheme, ip, port string) string {
	var b strings.Builder
	b.Grow(len(KeyPrefix) + len(anonymity) + len(scheme) + len(ip) + len(port) + 3)
	b.WriteString(KeyPrefix)
	b.WriteString(anonymity)
	b.WriteByte(':')
	b.WriteString(scheme)
	b.WriteByte(':')
	b.WriteString(ip)
	b.WriteByte(':')
	b.WriteString(port)
	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
