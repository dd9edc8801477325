package connection

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPort is the MultiTransport event transport port used in examples.
const DefaultPort = 54321

// RFC-1123 host name, same rule the device configuration screen applies
var hostnamePattern = regexp.MustCompile(
	`^((([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9-]*[A-Za-z0-9]))$`)

// ValidateEndpoint checks host (IP or host name) and port (1..65535).
func ValidateEndpoint(host string, port int) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return &ConfigError{Field: "host", Reason: "not configured"}
	}
	if net.ParseIP(host) == nil && !hostnamePattern.MatchString(host) {
		return &ConfigError{Field: "host", Value: host, Reason: "not an IP address or host name"}
	}
	if port < 1 || port > 65535 {
		return &ConfigError{Field: "port", Value: strconv.Itoa(port), Reason: "must be between 1 and 65535"}
	}
	return nil
}

// JoinAddr formats host and port as a dial address.
func JoinAddr(host string, port int) string {
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}
