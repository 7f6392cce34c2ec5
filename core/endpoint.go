package core

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Endpoint describes one concrete network address of an object adapter.
type Endpoint struct {
	Protocol string        `cbor:"1,keyasint" yaml:"protocol" json:"protocol"`
	Host     string        `cbor:"2,keyasint" yaml:"host" json:"host"`
	Port     int           `cbor:"3,keyasint" yaml:"port" json:"port"`
	Timeout  time.Duration `cbor:"4,keyasint,omitempty" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Address returns the host:port dial address.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String renders the endpoint as "tcp -h host -p port [-t ms]".
func (e Endpoint) String() string {
	var b strings.Builder
	b.WriteString(e.Protocol)
	if e.Host != "" {
		b.WriteString(" -h ")
		b.WriteString(e.Host)
	}
	b.WriteString(" -p ")
	b.WriteString(strconv.Itoa(e.Port))
	if e.Timeout > 0 {
		b.WriteString(" -t ")
		b.WriteString(strconv.FormatInt(e.Timeout.Milliseconds(), 10))
	}
	return b.String()
}

// ParseEndpoint parses the String form of an endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Endpoint{}, malformed(s, "empty endpoint")
	}

	ep := Endpoint{Protocol: fields[0]}
	for i := 1; i < len(fields); i++ {
		opt := fields[i]
		if i+1 >= len(fields) {
			return Endpoint{}, malformed(s, fmt.Sprintf("no argument for option %s", opt))
		}
		arg := fields[i+1]
		i++

		switch opt {
		case "-h":
			ep.Host = arg
		case "-p":
			port, err := strconv.Atoi(arg)
			if err != nil || port < 0 || port > 65535 {
				return Endpoint{}, malformed(s, fmt.Sprintf("invalid port %q", arg))
			}
			ep.Port = port
		case "-t":
			ms, err := strconv.Atoi(arg)
			if err != nil {
				return Endpoint{}, malformed(s, fmt.Sprintf("invalid timeout %q", arg))
			}
			if ms > 0 {
				ep.Timeout = time.Duration(ms) * time.Millisecond
			}
		default:
			return Endpoint{}, malformed(s, fmt.Sprintf("unknown option %s", opt))
		}
	}

	if ep.Host == "" {
		ep.Host = "localhost"
	}
	return ep, nil
}

// ParseEndpoints parses a colon separated endpoint list.
func ParseEndpoints(s string) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, part := range strings.Split(s, ":") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ep, err := ParseEndpoint(part)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, malformed(s, "no endpoints")
	}
	return endpoints, nil
}

// FormatEndpoints renders endpoints as a colon separated list.
func FormatEndpoints(endpoints []Endpoint) string {
	parts := make([]string, len(endpoints))
	for i, ep := range endpoints {
		parts[i] = ep.String()
	}
	return strings.Join(parts, ":")
}

func malformed(s, reason string) error {
	return &Error{Kind: KindMalformedReference, ID: s, Err: fmt.Errorf("%s", reason)}
}
