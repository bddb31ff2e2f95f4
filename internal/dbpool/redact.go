package dbpool

import (
	"net/url"
	"strings"
)

// RedactDSN reduces a connection string to a fragment safe for logs and error
// messages: credentials removed, host cut down to its first label. Anything
// that does not parse is replaced wholesale rather than risk echoing secrets.
func RedactDSN(dsn string) string {
	if strings.Contains(dsn, "://") {
		parsed, err := url.Parse(dsn)
		if err != nil || parsed.Host == "" {
			return "redacted"
		}
		host := firstHostLabel(parsed.Hostname())
		db := strings.TrimPrefix(parsed.Path, "/")
		out := parsed.Scheme + "://" + host
		if db != "" {
			out += "/" + db
		}
		return out
	}

	// Keyword/value form: keep only host (first label) and dbname.
	var host, db string
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "host":
			host = firstHostLabel(value)
		case "dbname":
			db = value
		}
	}
	if host == "" {
		return "redacted"
	}
	if db != "" {
		return host + "/" + db
	}
	return host
}

func firstHostLabel(hostname string) string {
	if hostname == "" {
		return "unknown-host"
	}
	label, _, _ := strings.Cut(hostname, ".")
	return label
}
