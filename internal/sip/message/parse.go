package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Parse decodes a complete SIP message (request or response) from raw wire
// bytes, as delivered whole by the transport layer's framing (whitespace
// keepalive frames are handled by the caller before Parse is invoked).
func Parse(raw []byte) (*Message, error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("message: no header/body separator found")
	}
	headerBlock := string(raw[:headerEnd])
	body := raw[headerEnd+4:]

	lines := strings.Split(headerBlock, "\r\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("message: empty message")
	}

	m := &Message{Body: body}
	if err := parseStartLine(lines[0], m); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if err := applyHeader(m, name, value); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func parseStartLine(line string, m *Message) error {
	if strings.HasPrefix(line, "SIP/2.0 ") {
		rest := strings.TrimPrefix(line, "SIP/2.0 ")
		parts := strings.SplitN(rest, " ", 2)
		code, err := strconv.Atoi(parts[0])
		if err != nil {
			return fmt.Errorf("message: bad status code %q: %w", parts[0], err)
		}
		m.StatusCode = code
		if len(parts) == 2 {
			m.Reason = parts[1]
		}
		return nil
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[2] != "SIP/2.0" {
		return fmt.Errorf("message: malformed start line %q", line)
	}
	m.Method = Method(strings.ToUpper(parts[0]))
	m.RequestURI = parts[1]
	return nil
}

func applyHeader(m *Message, name, value string) error {
	switch strings.ToLower(name) {
	case "via", "v":
		via, err := parseVia(value)
		if err != nil {
			return err
		}
		m.Via = via
	case "from", "f":
		m.From = parseNameAddr(value)
	case "to", "t":
		m.To = parseNameAddr(value)
	case "call-id", "i":
		m.CallID = value
	case "cseq":
		n, method, err := ParseCSeq(value)
		if err != nil {
			return err
		}
		m.CSeq = n
		m.CSeqName = method
	case "contact", "m":
		m.Contact = value
	case "max-forwards":
		n, err := strconv.Atoi(value)
		if err == nil {
			m.MaxFwd = n
		}
	case "expires":
		n, err := strconv.Atoi(value)
		if err == nil {
			m.Expires = n
		}
	case "user-agent":
		m.UserAgent = value
	case "x-gb-ver":
		m.GBVer = value
	case "content-type", "c":
		m.ContentType = value
	case "content-length", "l":
		// Authoritative length is raw body length from the split above;
		// this header is accepted but not re-validated against it, since
		// some devices pad trailing whitespace after the declared length.
	default:
		m.Extra = append(m.Extra, [2]string{name, value})
	}
	return nil
}

// parseVia parses "SIP/2.0/UDP 1.2.3.4:5060;branch=xyz;received=...;rport=...".
func parseVia(value string) (Via, error) {
	parts := strings.Split(value, ";")
	if len(parts) == 0 {
		return Via{}, fmt.Errorf("message: empty Via header")
	}
	head := strings.Fields(parts[0])
	if len(head) != 2 {
		return Via{}, fmt.Errorf("message: malformed Via %q", value)
	}
	transportParts := strings.Split(head[0], "/")
	if len(transportParts) != 3 {
		return Via{}, fmt.Errorf("message: malformed Via protocol %q", head[0])
	}
	v := Via{Transport: transportParts[2], SentBy: head[1]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := ""
		if len(kv) == 2 {
			val = kv[1]
		}
		switch key {
		case "branch":
			v.Branch = val
		case "received":
			v.Received = val
		case "rport":
			v.RPort = val
		}
	}
	return v, nil
}

// parseNameAddr parses `"Name" <sip:uri>;tag=abc` or a bare `<sip:uri>`.
func parseNameAddr(value string) NameAddr {
	var n NameAddr
	rest := value
	if idx := strings.Index(rest, ";tag="); idx >= 0 {
		n.Tag = rest[idx+len(";tag="):]
		if comma := strings.IndexByte(n.Tag, ';'); comma >= 0 {
			n.Tag = n.Tag[:comma]
		}
		rest = rest[:idx]
	}
	rest = strings.TrimSpace(rest)
	if open := strings.IndexByte(rest, '<'); open >= 0 {
		if close := strings.IndexByte(rest, '>'); close > open {
			n.URI = rest[open+1 : close]
			n.Name = strings.Trim(strings.TrimSpace(rest[:open]), `"`)
			return n
		}
	}
	n.URI = rest
	return n
}
