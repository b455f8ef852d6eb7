package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// Here we have collection of headers parsing.
// Some of headers parsing are moved to different files for better maintenance.

// A HeaderParser is any function that turns raw header data into one or more Header objects.
type HeaderParser func(headerName string, headerData string) (Header, error)

type HeadersParser map[string]HeaderParser

// errComaDetected signals a comma-separated header value. Its int value is
// the offset of the comma.
type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// This needs to be kept minimalistic in order to avoid overhead of parsing.
// Headers compact form:
// c	Content-Type	RFC 3261
// f	From	RFC 3261
// i	Call-ID	RFC 3261
// k	Supported	RFC 3261	"know"
// l	Content-Length	RFC 3261
// m	Contact	RFC 3261	"moved"
// t	To	RFC 3261
// v	Via	RFC 3261
var headersParsers = HeadersParser{
	"c":              headerParserContentType,
	"content-type":   headerParserContentType,
	"f":              headerParserFrom,
	"from":           headerParserFrom,
	"to":             headerParserTo,
	"t":              headerParserTo,
	"contact":        headerParserContact,
	"m":              headerParserContact,
	"i":              headerParserCallId,
	"call-id":        headerParserCallId,
	"cseq":           headerParserCSeq,
	"via":            headerParserVia,
	"v":              headerParserVia,
	"max-forwards":   headerParserMaxForwards,
	"content-length": headerParserContentLength,
	"l":              headerParserContentLength,
	"route":          headerParserRoute,
	"record-route":   headerParserRecordRoute,
	"expires":        headerParserExpires,
	"require":        headerParserRequire,
	"supported":      headerParserSupported,
	"k":              headerParserSupported,
	"unsupported":    headerParserUnsupported,
	"rseq":           headerParserRSeq,
	"rack":           headerParserRAck,
}

// DefaultHeadersParser returns minimal version header parser.
// It can be extended or overwritten.
func DefaultHeadersParser() map[string]HeaderParser {
	return headersParsers
}

// ParseHeader parses a SIP header line and appends resulting headers to out.
// Comma-separated values of Via, Route, Record-Route and Contact are split
// into multiple logical entries.
func (headersParser HeadersParser) ParseHeader(out []Header, line string) ([]Header, error) {
	colonIdx := strings.IndexByte(line, ':')
	if colonIdx == -1 {
		return out, fmt.Errorf("field name with no value in header: %q", line)
	}

	fieldName := strings.TrimSpace(line[:colonIdx])
	lowerFieldName := HeaderToLower(fieldName)
	fieldValue := strings.TrimSpace(line[colonIdx+1:])

	headerParser, ok := headersParser[lowerFieldName]
	if !ok {
		// We have no registered parser for this header type,
		// so we encapsulate the header data in a GenericHeader struct.
		// Validation and parsing is required by user.
		h := NewHeader(fieldName, fieldValue)
		out = append(out, h)
		return out, nil
	}

	fieldText := fieldValue
	// Support comma separated values
	for {
		// headerParser should detect comma (,) and return it as error
		h, err := headerParser(lowerFieldName, fieldText)
		if err == nil {
			out = append(out, h)
			return out, nil
		}

		commaErr, ok := err.(errComaDetected)
		if !ok {
			return out, err
		}
		// We detected comma in header value
		out = append(out, h)
		fieldText = fieldText[commaErr+1:]
	}
}

func headerParserCallId(headerName string, headerText string) (header Header, err error) {
	var callId CallIDHeader
	return &callId, parseCallIdHeader(headerText, &callId)
}

func parseCallIdHeader(headerText string, callId *CallIDHeader) error {
	headerText = strings.TrimSpace(headerText)
	if len(headerText) == 0 {
		return fmt.Errorf("empty Call-ID body")
	}

	*callId = CallIDHeader(headerText)
	return nil
}

func headerParserMaxForwards(headerName string, headerText string) (header Header, err error) {
	var maxfwd MaxForwardsHeader
	return &maxfwd, parseMaxForwardsHeader(headerText, &maxfwd)
}

func parseMaxForwardsHeader(headerText string, maxfwd *MaxForwardsHeader) error {
	val, err := strconv.ParseUint(headerText, 10, 32)
	*maxfwd = MaxForwardsHeader(val)
	return err
}

func headerParserExpires(headerName string, headerText string) (header Header, err error) {
	var expires ExpiresHeader
	val, err := strconv.ParseUint(headerText, 10, 32)
	expires = ExpiresHeader(val)
	return &expires, err
}

func headerParserCSeq(headerName string, headerText string) (headers Header, err error) {
	var cseq CSeqHeader
	return &cseq, parseCSeqHeader(headerText, &cseq)
}

func parseCSeqHeader(headerText string, cseq *CSeqHeader) error {
	ind := strings.IndexAny(headerText, abnfWs)
	if ind < 1 || len(headerText)-ind < 2 {
		return fmt.Errorf("CSeq field should have precisely one whitespace section: '%s'", headerText)
	}

	seqno, err := strconv.ParseUint(headerText[:ind], 10, 32)
	if err != nil {
		return err
	}

	if seqno > maxCseq {
		return fmt.Errorf("invalid CSeq %d: exceeds maximum permitted value 2**31 - 1", seqno)
	}

	cseq.SeqNo = uint32(seqno)
	cseq.MethodName = RequestMethod(strings.TrimSpace(headerText[ind+1:]))
	return nil
}

func headerParserContentLength(headerName string, headerText string) (header Header, err error) {
	var contentLength ContentLengthHeader
	return &contentLength, parseContentLengthHeader(headerText, &contentLength)
}

func parseContentLengthHeader(headerText string, contentLength *ContentLengthHeader) error {
	value, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	*contentLength = ContentLengthHeader(value)
	return err
}

func headerParserContentType(headerName string, headerText string) (headers Header, err error) {
	var contentType ContentTypeHeader
	return &contentType, parseContentTypeHeader(headerText, &contentType)
}

func parseContentTypeHeader(headerText string, contentType *ContentTypeHeader) error {
	headerText = strings.TrimSpace(headerText)
	if len(headerText) == 0 {
		return fmt.Errorf("empty Content-Type body")
	}

	*contentType = ContentTypeHeader(headerText)
	return nil
}

func headerParserRSeq(headerName string, headerText string) (header Header, err error) {
	var rseq RSeqHeader
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	rseq = RSeqHeader(val)
	return &rseq, err
}

func headerParserRAck(headerName string, headerText string) (header Header, err error) {
	var rack RAckHeader
	return &rack, parseRAckHeader(headerText, &rack)
}

// parseRAckHeader parses RAck - RFC 3262 7.2.
// RAck = response-num LWS CSeq-num LWS Method
func parseRAckHeader(headerText string, rack *RAckHeader) error {
	fields := strings.Fields(headerText)
	if len(fields) != 3 {
		return fmt.Errorf("RAck field should have precisely three sections: '%s'", headerText)
	}

	rseqNo, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return err
	}
	cseqNo, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return err
	}

	rack.RSeqNo = uint32(rseqNo)
	rack.CSeqNo = uint32(cseqNo)
	rack.MethodName = RequestMethod(fields[2])
	return nil
}

func headerParserRequire(headerName string, headerText string) (header Header, err error) {
	return &RequireHeader{Options: parseOptionTags(headerText)}, nil
}

func headerParserSupported(headerName string, headerText string) (header Header, err error) {
	return &SupportedHeader{Options: parseOptionTags(headerText)}, nil
}

func headerParserUnsupported(headerName string, headerText string) (header Header, err error) {
	return &UnsupportedHeader{Options: parseOptionTags(headerText)}, nil
}

func parseOptionTags(headerText string) optionTags {
	parts := strings.Split(headerText, ",")
	tags := make(optionTags, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
