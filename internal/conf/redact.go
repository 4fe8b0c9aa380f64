package conf

import "strings"

// RedactedValue replaces secrets in printed settings.
const RedactedValue = "[redacted]"

// Redacted returns a copy of s with credentials masked. Notification URLs
// keep only their scheme.
func Redacted(s *Settings) *Settings {
	out := *s
	mask(&out.MQTT.Password)
	mask(&out.Output.MySQL.Password)
	mask(&out.Sentry.DSN)
	if len(s.Notification.URLs) > 0 {
		out.Notification.URLs = make([]string, len(s.Notification.URLs))
		for i, u := range s.Notification.URLs {
			scheme, _, ok := strings.Cut(u, "://")
			if !ok {
				out.Notification.URLs[i] = RedactedValue
				continue
			}
			out.Notification.URLs[i] = scheme + "://" + RedactedValue
		}
	}
	return &out
}

func mask(v *string) {
	if *v != "" {
		*v = RedactedValue
	}
}
