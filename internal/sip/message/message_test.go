package message

import (
	"strings"
	"testing"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	opt := RequestOptions{
		Transport: "UDP",
		LocalAddr: "10.0.0.1:5060",
		RemoteURI: "sip:34020000001110000001@3402000000",
		FromURI:   "sip:34020000000000000001@3402000000",
		CSeq:      1,
		UserAgent: "vms/1.0",
	}
	req := Register(opt, 3600)
	raw := req.Encode()

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Method != REGISTER {
		t.Fatalf("expected REGISTER, got %s", parsed.Method)
	}
	if parsed.Via.Transport != "UDP" || parsed.Via.Branch != req.Via.Branch {
		t.Fatalf("Via mismatch: %+v", parsed.Via)
	}
	if parsed.From.Tag != req.From.Tag {
		t.Fatalf("From tag mismatch: got %s want %s", parsed.From.Tag, req.From.Tag)
	}
	if parsed.CallID != req.CallID {
		t.Fatalf("Call-ID mismatch")
	}
	if parsed.CSeq != 1 || parsed.CSeqName != REGISTER {
		t.Fatalf("CSeq mismatch: %d %s", parsed.CSeq, parsed.CSeqName)
	}
	if parsed.Expires != 3600 {
		t.Fatalf("expected Expires 3600, got %d", parsed.Expires)
	}
}

func TestResponseReusesRequestHeaders(t *testing.T) {
	opt := RequestOptions{
		Transport: "UDP", LocalAddr: "10.0.0.1:5060",
		RemoteURI: "sip:device@domain", FromURI: "sip:server@domain", CSeq: 1,
	}
	req := Register(opt, 3600)
	req.Via.Received = "10.0.0.2"
	req.Via.RPort = "5070"

	resp := Response(req, 200, "OK", "")
	if resp.Via.Branch != req.Via.Branch {
		t.Fatalf("expected Via branch preserved")
	}
	if resp.Via.Received != "10.0.0.2" || resp.Via.RPort != "5070" {
		t.Fatalf("expected received/rport preserved: %+v", resp.Via)
	}
	if resp.From.Tag != req.From.Tag {
		t.Fatalf("expected From tag preserved")
	}
	if resp.To.Tag == "" {
		t.Fatalf("expected fresh To tag assigned")
	}
	if resp.CallID != req.CallID || resp.CSeq != req.CSeq || resp.CSeqName != req.Method {
		t.Fatalf("expected Call-ID/CSeq reused")
	}
	if resp.GBVer != "3.0" {
		t.Fatalf("expected X-GB-Ver 3.0, got %s", resp.GBVer)
	}

	raw := resp.Encode()
	if !strings.HasPrefix(string(raw), "SIP/2.0 200 OK\r\n") {
		t.Fatalf("unexpected status line: %s", raw[:20])
	}
}

func TestAntiReplayKeyAndTransactionKey(t *testing.T) {
	opt := RequestOptions{Transport: "UDP", LocalAddr: "a", RemoteURI: "sip:b", FromURI: "sip:c", CSeq: 5}
	req := Invite(opt, []byte("v=0"))

	key := req.AntiReplayKey("10.0.0.9:5060")
	want := req.CallID + ":5:" + req.From.Tag + ":10.0.0.9:5060"
	if key != want {
		t.Fatalf("AntiReplayKey mismatch: got %s want %s", key, want)
	}

	tk := req.TransactionKey()
	if tk != "INVITE:"+req.Via.Branch {
		t.Fatalf("expected INVITE transaction key, got %s", tk)
	}

	nonInvite := MessageRequest(opt, []byte("<xml/>"))
	tk2 := nonInvite.TransactionKey()
	wantTK2 := "5:" + nonInvite.Via.Branch + ":" + nonInvite.CallID
	if tk2 != wantTK2 {
		t.Fatalf("expected non-INVITE transaction key %s, got %s", wantTK2, tk2)
	}
}

func TestAckBypassesFreshCallID(t *testing.T) {
	opt := RequestOptions{Transport: "UDP", LocalAddr: "a", RemoteURI: "sip:b", FromURI: "sip:c", CSeq: 1}
	invite := Invite(opt, []byte("v=0"))
	ack := Ack(invite, "remote-tag")
	if ack.Method != ACK {
		t.Fatalf("expected ACK method")
	}
	if ack.CallID != invite.CallID {
		t.Fatalf("expected ACK to reuse Call-ID")
	}
	if ack.To.Tag != "remote-tag" {
		t.Fatalf("expected ACK To-tag set from dialog, got %s", ack.To.Tag)
	}
	if ack.Via.Branch == invite.Via.Branch {
		t.Fatalf("expected ACK to have a fresh branch")
	}
}

func TestParseRejectsMalformedStartLine(t *testing.T) {
	if _, err := Parse([]byte("GARBAGE\r\n\r\n")); err == nil {
		t.Fatalf("expected parse error for malformed start line")
	}
}

func TestURIUser(t *testing.T) {
	cases := map[string]string{
		"sip:34020000001110000001@3402000000": "34020000001110000001",
		"sips:alice@example.com":               "alice",
		"sip:noattail":                         "",
	}
	for uri, want := range cases {
		if got := URIUser(uri); got != want {
			t.Fatalf("URIUser(%q) = %q, want %q", uri, got, want)
		}
	}
}

func TestHeaderGetSet(t *testing.T) {
	m := &Message{}
	m.SetHeader("X-Custom", "v1")
	if v, ok := m.Header("x-custom"); !ok || v != "v1" {
		t.Fatalf("expected case-insensitive header lookup, got %q %v", v, ok)
	}
	m.SetHeader("X-Custom", "v2")
	if len(m.Extra) != 1 {
		t.Fatalf("expected SetHeader to replace, got %d entries", len(m.Extra))
	}
}
