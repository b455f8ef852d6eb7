package sip

import (
	"io"
)

type MessageHandler func(msg Message)

type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

// method names are defined here as constants for convenience.
const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

// Response status codes used by the stack itself.
const (
	StatusTrying            = 100
	StatusRinging           = 180
	StatusSessionProgress   = 183
	StatusOK                = 200
	StatusBadRequest        = 400
	StatusNotFound          = 404
	StatusRequestTimeout    = 408
	StatusCallDoesNotExist  = 481
	StatusBadExtension      = 420
	StatusRequestTerminated = 487
	StatusInternalError     = 500
	StatusNotImplemented    = 501
	StatusServiceUnavail    = 503
)

type Message interface {
	// StartLine returns message start line.
	StartLine() string
	StartLineWrite(io.StringWriter)
	// String returns string representation of SIP message in RFC 3261 form.
	String() string
	// StringWrite is same as String but lets you provide writer and reduce allocations
	StringWrite(io.StringWriter)
	// Short returns short string info about message.
	Short() string

	// Headers returns all message headers.
	Headers() []Header
	// GetHeaders returns slice of headers of the given type.
	GetHeaders(name string) []Header
	// GetHeader returns first header with same name
	GetHeader(name string) Header
	// PrependHeader prepends header to message.
	PrependHeader(header ...Header)
	// AppendHeader appends header to message.
	AppendHeader(header Header)
	// RemoveHeader removes header from message.
	RemoveHeader(name string)
	ReplaceHeader(header Header)

	/* Helper getters for common headers */
	CallID() *CallIDHeader
	// Via returns the top 'Via' header field.
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader
	Contact() *ContactHeader
	Route() *RouteHeader
	RecordRoute() *RecordRouteHeader

	// Body returns message body.
	Body() []byte
	// SetBody sets message body.
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

type MessageData struct {
	// message headers
	headers
	SipVersion string
	body       []byte
	tp         string

	// This is for internal routing
	src  string
	dest string
}

func (msg *MessageData) Body() []byte {
	return msg.body
}

// SetBody sets message body, calculates its length and adds 'Content-Length' header.
func (msg *MessageData) SetBody(body []byte) {
	length := ContentLengthHeader(len(body))
	msg.body = body

	if hdr := msg.ContentLength(); hdr != nil {
		if length == *hdr {
			// Skip appending if value is same
			return
		}
		msg.ReplaceHeader(&length)
		return
	}

	msg.AppendHeader(&length)
}

func (msg *MessageData) Transport() string {
	return msg.tp
}

func (msg *MessageData) SetTransport(tp string) {
	msg.tp = tp
}

func (msg *MessageData) Source() string {
	return msg.src
}

func (msg *MessageData) SetSource(src string) {
	msg.src = src
}

func (msg *MessageData) Destination() string {
	return msg.dest
}

func (msg *MessageData) SetDestination(dest string) {
	msg.dest = dest
}
