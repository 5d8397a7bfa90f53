package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Kind identifies the type of endpoint.
type Kind int

const (
	KindSerial Kind = iota
	KindTCP
	KindUnix
)

// String returns the network name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	case KindUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// Endpoint is a parsed connection string.
type Endpoint struct {
	Kind    Kind
	Address string

	// BaudRate is set from a serial:// URL's baud query parameter, 0 otherwise.
	BaudRate int
}

// String returns a normalised connection string.
func (e Endpoint) String() string {
	switch e.Kind {
	case KindSerial:
		return e.Address
	default:
		return e.Kind.String() + "://" + e.Address
	}
}

// ParseConnection parses a connection string. A bare host without a port
// gets defaultPort.
func ParseConnection(conn string, defaultPort int) (Endpoint, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return Endpoint{}, fmt.Errorf("%w: empty connection string", ErrInvalidConnection)
	}

	if strings.HasPrefix(conn, "/") {
		return Endpoint{Kind: KindSerial, Address: conn}, nil
	}

	if strings.Contains(conn, "://") {
		return parseURL(conn, defaultPort)
	}

	address, err := withDefaultPort(conn, defaultPort)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Kind: KindTCP, Address: address}, nil
}

func parseURL(conn string, defaultPort int) (Endpoint, error) {
	u, err := url.Parse(conn)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidConnection, err)
	}

	switch u.Scheme {
	case "serial":
		if u.Path == "" {
			return Endpoint{}, fmt.Errorf("%w: serial URL without device path", ErrInvalidConnection)
		}
		ep := Endpoint{Kind: KindSerial, Address: u.Path}
		if b := u.Query().Get("baud"); b != "" {
			baud, err := strconv.Atoi(b)
			if err != nil || baud <= 0 {
				return Endpoint{}, fmt.Errorf("%w: invalid baud rate %q", ErrInvalidConnection, b)
			}
			ep.BaudRate = baud
		}
		return ep, nil
	case "tcp":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("%w: tcp URL without host", ErrInvalidConnection)
		}
		address, err := withDefaultPort(u.Host, defaultPort)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Kind: KindTCP, Address: address}, nil
	case "unix":
		if u.Path == "" {
			return Endpoint{}, fmt.Errorf("%w: unix URL without path", ErrInvalidConnection)
		}
		return Endpoint{Kind: KindUnix, Address: u.Path}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q (use serial, tcp or unix)", ErrInvalidConnection, u.Scheme)
	}
}

// withDefaultPort appends defaultPort to hostport when it has none.
func withDefaultPort(hostport string, defaultPort int) (string, error) {
	if _, port, err := net.SplitHostPort(hostport); err == nil {
		if _, perr := strconv.Atoi(port); perr != nil {
			return "", fmt.Errorf("%w: invalid port %q", ErrInvalidConnection, port)
		}
		return hostport, nil
	}
	if defaultPort <= 0 {
		return "", fmt.Errorf("%w: %q has no port and no default is set", ErrInvalidConnection, hostport)
	}
	host := strings.Trim(hostport, "[]")
	if host == "" || strings.ContainsAny(host, "/ ") {
		return "", fmt.Errorf("%w: invalid host %q", ErrInvalidConnection, hostport)
	}
	return net.JoinHostPort(host, strconv.Itoa(defaultPort)), nil
}
