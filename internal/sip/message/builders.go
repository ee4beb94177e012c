package message

import "fmt"

// RequestOptions carries the fields every outbound request needs: the
// sending node's own contact info and the target device's URI/association.
type RequestOptions struct {
	Transport  string // UDP | TCP
	LocalAddr  string // our sent-by, e.g. "10.0.0.1:5060"
	RemoteURI  string // request-URI / To URI, e.g. "sip:34020000001110000001@3402000000"
	FromURI    string // our own URI, e.g. "sip:34020000000000000001@3402000000"
	CallID     string
	CSeq       uint32
	UserAgent  string
}

// NewRequest builds the common envelope shared by every outbound request:
// fresh branch/from-tag (unless CallID/CSeq are being reused across a
// dialog, in which case the caller passes the existing values).
func NewRequest(method Method, opt RequestOptions) *Message {
	callID := opt.CallID
	if callID == "" {
		callID = NewCallID()
	}
	return &Message{
		Method:     method,
		RequestURI: opt.RemoteURI,
		Via: Via{
			Transport: opt.Transport,
			SentBy:    opt.LocalAddr,
			Branch:    NewBranch(),
		},
		From:      NameAddr{URI: opt.FromURI, Tag: NewTag()},
		To:        NameAddr{URI: opt.RemoteURI},
		CallID:    callID,
		CSeq:      opt.CSeq,
		CSeqName:  method,
		MaxFwd:    70,
		UserAgent: opt.UserAgent,
		GBVer:     "3.0",
	}
}

// Register builds a REGISTER request with the given expires value (0 to
// unregister).
func Register(opt RequestOptions, expiresSec int) *Message {
	m := NewRequest(REGISTER, opt)
	m.Expires = expiresSec
	m.Contact = fmt.Sprintf("<%s>", opt.FromURI)
	return m
}

// MessageRequest builds a MESSAGE request carrying a MANSCDP XML body.
func MessageRequest(opt RequestOptions, xmlBody []byte) *Message {
	m := NewRequest(MESSAGE, opt)
	m.Body = xmlBody
	m.ContentType = "Application/MANSCDP+xml"
	return m
}

// Invite builds an INVITE request carrying an SDP offer body.
func Invite(opt RequestOptions, sdpBody []byte) *Message {
	m := NewRequest(INVITE, opt)
	m.Body = sdpBody
	m.ContentType = "Application/SDP"
	m.Contact = fmt.Sprintf("<%s>", opt.FromURI)
	return m
}

// Ack builds an ACK for a 2xx response to an INVITE within the same dialog.
// Per spec §4.3, ACKs never enter the transaction table — the builder's
// caller is expected to synthesize a local-only "200 OK" completion
// immediately after sending.
func Ack(invite *Message, toTag string) *Message {
	ack := &Message{
		Method:     ACK,
		RequestURI: invite.RequestURI,
		Via: Via{
			Transport: invite.Via.Transport,
			SentBy:    invite.Via.SentBy,
			Branch:    NewBranch(),
		},
		From:     invite.From,
		To:       NameAddr{URI: invite.To.URI, Tag: toTag},
		CallID:   invite.CallID,
		CSeq:     invite.CSeq,
		CSeqName: ACK,
		MaxFwd:   70,
		GBVer:    "3.0",
	}
	return ack
}

// Bye builds a BYE within an established dialog, reusing its Call-ID and
// From/To (with tags) but a fresh branch and incremented CSeq.
func Bye(opt RequestOptions, fromTag, toTag string) *Message {
	m := NewRequest(BYE, opt)
	m.From.Tag = fromTag
	m.To.Tag = toTag
	return m
}

// Cancel builds a CANCEL matching the branch/Call-ID/From of a still-pending
// INVITE transaction.
func Cancel(invite *Message) *Message {
	return &Message{
		Method:     CANCEL,
		RequestURI: invite.RequestURI,
		Via:        invite.Via,
		From:       invite.From,
		To:         invite.To,
		CallID:     invite.CallID,
		CSeq:       invite.CSeq,
		CSeqName:   CANCEL,
		MaxFwd:     70,
		GBVer:      "3.0",
	}
}
