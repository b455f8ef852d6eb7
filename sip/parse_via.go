package sip

import (
	"errors"
	"strconv"
	"strings"
)

func headerParserVia(headerName string, headerText string) (header Header, err error) {
	h := ViaHeader{}
	return &h, parseViaHeader(headerText, &h)
}

// parseViaHeader parses ViaHeader.
// A comma ends the current hop and is reported with errComaDetected, so a
// comma-separated Via value becomes one Via header per hop.
func parseViaHeader(headerText string, h *ViaHeader) error {
	h.Params = NewParams()

	state := viaStateProtocol
	str := headerText
	var ind, nextInd int
	var err error
	for state != nil {
		state, nextInd, err = state(h, str[ind:])
		if err != nil {
			// Fix the offset
			if _, ok := err.(errComaDetected); ok {
				err = errComaDetected(ind + nextInd)
			}
			return err
		}
		ind += nextInd
	}
	return nil
}

type viaFSM func(h *ViaHeader, s string) (viaFSM, int, error)

func viaStateProtocol(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol name in Via header")
	}
	h.ProtocolName = strings.TrimSpace(s[:ind])
	return viaStateProtocolVersion, ind + 1, nil
}

func viaStateProtocolVersion(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexRune(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol version in Via header")
	}
	h.ProtocolVersion = strings.TrimSpace(s[:ind])
	return viaStateProtocolTransport, ind + 1, nil
}

func viaStateProtocolTransport(h *ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexAny(s, " \t")
	if ind < 0 {
		return nil, 0, errors.New("malformed transport in Via header")
	}
	h.Transport = strings.TrimSpace(s[:ind])
	return viaStateHost, ind + 1, nil
}

func viaStateHost(h *ViaHeader, s string) (viaFSM, int, error) {
	var colonInd int
	var endIndex int = len(s)
	var err error
loop:
	for i, c := range s {
		switch c {
		case ';':
			endIndex = i
			break loop
		case ',':
			endIndex = i
			break loop
		case ':':
			colonInd = i
			// sent-by has port
		}
	}

	if colonInd > 0 {
		h.Port, err = strconv.Atoi(strings.TrimSpace(s[colonInd+1 : endIndex]))
		if err != nil {
			return nil, 0, errors.New("malformed sent-by port in Via header")
		}
		h.Host = strings.TrimSpace(s[:colonInd])
	} else {
		h.Host = strings.TrimSpace(s[:endIndex])
	}

	if endIndex == len(s) {
		return nil, 0, nil
	}

	if s[endIndex] == ',' {
		return nil, endIndex, errComaDetected(endIndex)
	}

	return viaStateParams, endIndex + 1, nil
}

func viaStateParams(h *ViaHeader, s string) (viaFSM, int, error) {
	coma := strings.IndexRune(s, ',')
	if coma > 0 {
		if _, err := UnmarshalParams(s[:coma], ';', ',', &h.Params); err != nil {
			return nil, 0, err
		}
		return nil, coma, errComaDetected(coma)
	}

	_, err := UnmarshalParams(s, ';', '\r', &h.Params)
	return nil, 0, err
}
