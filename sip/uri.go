package sip

import (
	"io"
	"strconv"
	"strings"
)

// Uri is a parsed SIP URI - RFC 3261 19.1.1.
// sip:user:password@host:port;uri-parameters?headers
type Uri struct {
	// Scheme is one of sip, sips, ws, wss.
	Scheme string

	// Encrypted is true for sips and wss URIs.
	Encrypted bool
	Wildcard  bool

	// The user part of the URI: the 'joe' in sip:joe@bloggs.com
	User string

	// The password field of the URI, as in sip:joe:hunter2@bloggs.com.
	// RFC 3261 strongly recommends against using it.
	Password string

	// The host part of the URI. This can be a domain, or a string representation of an IP address.
	Host string

	// The port part of the URI. This is optional, zero when absent.
	Port int

	// Any parameters associated with the URI.
	// These appear as a semicolon-separated list of key=value pairs following the host[:port] part.
	UriParams HeaderParams

	// Any headers to be included on requests constructed from this URI.
	// These appear as a '&'-separated list at the end of the URI, introduced by '?'.
	Headers HeaderParams
}

// Generates the string representation of a Uri struct.
func (uri *Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)
	return buffer.String()
}

func (uri *Uri) StringWrite(buffer io.StringWriter) {
	if uri.Wildcard {
		buffer.WriteString("*")
		return
	}

	scheme := uri.Scheme
	if scheme == "" {
		if uri.Encrypted {
			scheme = "sips"
		} else {
			scheme = "sip"
		}
	}
	buffer.WriteString(scheme)
	buffer.WriteString(":")

	// Optional userinfo part.
	if uri.User != "" {
		buffer.WriteString(uri.User)
		if uri.Password != "" {
			buffer.WriteString(":")
			buffer.WriteString(uri.Password)
		}
		buffer.WriteString("@")
	}

	// Compulsory hostname.
	buffer.WriteString(uri.Host)

	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}

	if uri.UriParams.Length() > 0 {
		buffer.WriteString(";")
		uri.UriParams.ToStringWrite(';', buffer)
	}

	if uri.Headers.Length() > 0 {
		buffer.WriteString("?")
		uri.Headers.ToStringWrite('&', buffer)
	}
}

func (uri *Uri) Clone() *Uri {
	c := *uri
	if uri.UriParams != nil {
		c.UriParams = uri.UriParams.clone()
	}
	if uri.Headers != nil {
		c.Headers = uri.Headers.clone()
	}
	return &c
}

func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted
}

// HostPort returns host:port of URI with transport default port applied.
func (uri *Uri) HostPort() string {
	p := uri.Port
	if p == 0 {
		if uri.Encrypted {
			p = 5061
		} else {
			p = 5060
		}
	}
	return uri.Host + ":" + strconv.Itoa(p)
}
