package flow

import (
	"net"
	"regexp"
	"strings"
)

var (
	shortNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

	reservedNames = map[string]bool{
		"www":            true,
		"api":            true,
		"app":            true,
		"pay":            true,
		"static":         true,
		"assets":         true,
		"login":          true,
		"dashboard":      true,
		"payment-status": true,
	}
)

// ResolveShortName derives an association short name from a request host of
// the form <shortname>.<baseDomain>, falling back to the first path segment
// (or the one after /pay/).
func ResolveShortName(host, path, baseDomain string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	baseDomain = strings.ToLower(strings.Trim(baseDomain, "."))

	if baseDomain != "" && strings.HasSuffix(host, "."+baseDomain) {
		sub := strings.TrimSuffix(host, "."+baseDomain)
		if validShortName(sub) {
			return sub, true
		}
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) > 1 && strings.ToLower(segments[0]) == "pay" {
		segments = segments[1:]
	}
	if name := strings.ToLower(segments[0]); validShortName(name) {
		return name, true
	}
	return "", false
}

func validShortName(name string) bool {
	return !reservedNames[name] && !strings.Contains(name, ".") && shortNameRegex.MatchString(name)
}
