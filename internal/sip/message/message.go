// Package message implements SIP request/response value types and builders
// for the GB/T 28181-2022 application profile: REGISTER, MESSAGE, INVITE,
// ACK, BYE, CANCEL, INFO, NOTIFY, SUBSCRIBE (spec §6). Header handling is
// deliberately minimal — only the headers this profile actually uses — in
// the teacher's style of typed structs with builder methods rather than a
// general-purpose SIP stack.
package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Method is a SIP request method used by this profile.
type Method string

const (
	REGISTER  Method = "REGISTER"
	MESSAGE   Method = "MESSAGE"
	INVITE    Method = "INVITE"
	ACK       Method = "ACK"
	BYE       Method = "BYE"
	CANCEL    Method = "CANCEL"
	INFO      Method = "INFO"
	NOTIFY    Method = "NOTIFY"
	SUBSCRIBE Method = "SUBSCRIBE"
	OPTIONS   Method = "OPTIONS"
)

// Via is the topmost Via header: transport, sent-by, and branch/received/rport params.
type Via struct {
	Transport string // UDP | TCP
	SentBy    string // host:port
	Branch    string
	Received  string // filled in by the receiving side
	RPort     string // filled in by the receiving side
}

func (v Via) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SIP/2.0/%s %s;branch=%s", v.Transport, v.SentBy, v.Branch)
	if v.Received != "" {
		fmt.Fprintf(&b, ";received=%s", v.Received)
	}
	if v.RPort != "" {
		fmt.Fprintf(&b, ";rport=%s", v.RPort)
	}
	return b.String()
}

// NameAddr is a From/To/Contact header: display name, URI, and an optional tag.
type NameAddr struct {
	Name string
	URI  string
	Tag  string
}

func (n NameAddr) String() string {
	var b strings.Builder
	if n.Name != "" {
		fmt.Fprintf(&b, "%q ", n.Name)
	}
	fmt.Fprintf(&b, "<%s>", n.URI)
	if n.Tag != "" {
		fmt.Fprintf(&b, ";tag=%s", n.Tag)
	}
	return b.String()
}

// Message is a parsed or in-construction SIP request or response.
type Message struct {
	// Request line (empty Method on responses).
	Method     Method
	RequestURI string

	// Status line (zero StatusCode on requests).
	StatusCode int
	Reason     string

	Via      Via
	From     NameAddr
	To       NameAddr
	CallID   string
	CSeq     uint32
	CSeqName Method
	Contact  string
	MaxFwd   int
	Expires  int
	UserAgent string
	GBVer    string // X-GB-Ver

	// Extra headers not modeled explicitly above, in encounter order.
	Extra [][2]string

	Body        []byte
	ContentType string
}

// IsRequest reports whether this message is a request (vs. a response).
func (m *Message) IsRequest() bool { return m.Method != "" }

// AntiReplayKey computes call_id:cseq:from_tag:remote_addr per spec §3 AntiReplayEntry.
func (m *Message) AntiReplayKey(remoteAddr string) string {
	return fmt.Sprintf("%s:%d:%s:%s", m.CallID, m.CSeq, m.From.Tag, remoteAddr)
}

// TransactionKey computes cseq:branch:call_id for non-INVITE, or INVITE:branch
// for INVITE, per spec §3 Transaction.
func (m *Message) TransactionKey() string {
	if m.CSeqName == INVITE {
		return "INVITE:" + m.Via.Branch
	}
	return fmt.Sprintf("%d:%s:%s", m.CSeq, m.Via.Branch, m.CallID)
}

// NewBranch returns a fresh RFC 3261 magic-cookie branch parameter.
func NewBranch() string {
	return "z9hG4bK" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewTag returns a fresh From/To tag.
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewCallID returns a fresh Call-ID local part; callers append "@" + domain
// or leave it bare per device convention.
func NewCallID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Response builds the response counterpart to request req: it copies Via
// (untouched — received/rport are expected to already be filled in by the
// transport layer before this call), From, Call-ID, CSeq, and appends the
// GB/T 28181 version header, with a fresh To-tag unless toTag is supplied.
func Response(req *Message, status int, reason string, toTag string) *Message {
	if toTag == "" {
		toTag = NewTag()
	}
	resp := &Message{
		StatusCode: status,
		Reason:     reason,
		Via:        req.Via,
		From:       req.From,
		To:         req.To,
		CallID:     req.CallID,
		CSeq:       req.CSeq,
		CSeqName:   req.Method,
		GBVer:      "3.0",
	}
	resp.To.Tag = toTag
	return resp
}

// Encode serializes m into SIP wire format (CRLF-terminated headers).
func (m *Message) Encode() []byte {
	var b strings.Builder
	if m.IsRequest() {
		fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", m.Method, m.RequestURI)
	} else {
		fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", m.StatusCode, m.Reason)
	}
	fmt.Fprintf(&b, "Via: %s\r\n", m.Via.String())
	fmt.Fprintf(&b, "From: %s\r\n", m.From.String())
	fmt.Fprintf(&b, "To: %s\r\n", m.To.String())
	fmt.Fprintf(&b, "Call-ID: %s\r\n", m.CallID)
	fmt.Fprintf(&b, "CSeq: %d %s\r\n", m.CSeq, m.CSeqName)
	if m.Contact != "" {
		fmt.Fprintf(&b, "Contact: %s\r\n", m.Contact)
	}
	if m.MaxFwd > 0 {
		fmt.Fprintf(&b, "Max-Forwards: %d\r\n", m.MaxFwd)
	}
	if m.Expires > 0 || (m.IsRequest() && m.Method == REGISTER) {
		fmt.Fprintf(&b, "Expires: %d\r\n", m.Expires)
	}
	if m.UserAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", m.UserAgent)
	}
	if m.GBVer != "" {
		fmt.Fprintf(&b, "X-GB-Ver: %s\r\n", m.GBVer)
	}
	for _, kv := range m.Extra {
		fmt.Fprintf(&b, "%s: %s\r\n", kv[0], kv[1])
	}
	if m.ContentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", m.ContentType)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(m.Body))
	out := []byte(b.String())
	out = append(out, m.Body...)
	return out
}

// Header returns the first Extra header value matching name (case-insensitive).
func (m *Message) Header(name string) (string, bool) {
	for _, kv := range m.Extra {
		if strings.EqualFold(kv[0], name) {
			return kv[1], true
		}
	}
	return "", false
}

// SetHeader appends or replaces an Extra header.
func (m *Message) SetHeader(name, value string) {
	for i, kv := range m.Extra {
		if strings.EqualFold(kv[0], name) {
			m.Extra[i][1] = value
			return
		}
	}
	m.Extra = append(m.Extra, [2]string{name, value})
}

// URIUser extracts the userinfo part of a "sip:user@host" URI — the GB/T
// device_id for device-originated requests. Returns "" if uri has no '@'.
func URIUser(uri string) string {
	uri = strings.TrimPrefix(uri, "sip:")
	uri = strings.TrimPrefix(uri, "sips:")
	if i := strings.IndexByte(uri, '@'); i >= 0 {
		return uri[:i]
	}
	return ""
}

// ParseCSeq splits a "123 INVITE" CSeq header value.
func ParseCSeq(value string) (uint32, Method, error) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("message: malformed CSeq %q", value)
	}
	n, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("message: malformed CSeq number %q: %w", parts[0], err)
	}
	return uint32(n), Method(strings.ToUpper(parts[1])), nil
}
