// Package sdp parses and builds the GB/T 28181 application profile of SDP
// carried in INVITE/200 bodies (spec §6): the custom `y=` SSRC attribute,
// `u=<channel-id>:0` playback/download marker, and `a=setup`/`a=connection`
// for the TCP passive/active variants. Built on pion/sdp/v3's generic
// session-description parser, the same library gtfodev-camsRelay uses for
// its WebRTC offer/answer plumbing, applied here to GB/T's narrower need.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// SetupRole is the TCP "a=setup" negotiation role.
type SetupRole string

const (
	SetupActive  SetupRole = "active"
	SetupPassive SetupRole = "passive"
)

// Offer is the subset of an SDP session description this profile cares
// about: the fields needed to route an INVITE to the right ssrc/transport.
type Offer struct {
	SessionName string
	ConnAddr    string // c= line address
	MediaPort   int
	Transport   string // RTP/AVP (UDP) or TCP/RTP/AVP
	PayloadTypes []int
	SSRC        string // decimal string from y=
	ChannelID   string // from u=<channel-id>:0
	Setup       SetupRole
	TCPNew      bool // a=connection:new
}

// Parse decodes raw (an SDP body) into an Offer, extracting the GB/T custom
// attributes alongside the standard session/media/connection lines.
func Parse(raw []byte) (*Offer, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("sdp: unmarshal: %w", err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("sdp: no media descriptions")
	}
	md := sd.MediaDescriptions[0]

	offer := &Offer{
		SessionName: string(sd.SessionName),
		Transport:   md.MediaName.Protos[0],
		MediaPort:   md.MediaName.Port.Value,
	}
	for _, p := range md.MediaName.Formats {
		pt, err := strconv.Atoi(p)
		if err == nil {
			offer.PayloadTypes = append(offer.PayloadTypes, pt)
		}
	}
	if len(md.MediaName.Protos) > 1 {
		offer.Transport = strings.Join(md.MediaName.Protos, "/")
	}

	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		offer.ConnAddr = sd.ConnectionInformation.Address.Address
	}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		offer.ConnAddr = md.ConnectionInformation.Address.Address
	}

	for _, a := range md.Attributes {
		switch a.Key {
		case "y":
			offer.SSRC = strings.TrimSpace(a.Value)
		case "u":
			parts := strings.SplitN(a.Value, ":", 2)
			offer.ChannelID = parts[0]
		case "setup":
			offer.Setup = SetupRole(a.Value)
		case "connection":
			offer.TCPNew = a.Value == "new"
		}
	}
	return offer, nil
}

// BuildAnswerOptions carries the fields needed to render a GB/T SDP answer
// or offer body.
type BuildAnswerOptions struct {
	SessionName  string
	LocalAddr    string // c= address (media node's reachable IP)
	LocalPort    int
	Transport    string // "RTP/AVP" for UDP, "TCP/RTP/AVP" for TCP
	PayloadTypes []int  // e.g. [96, 98]
	SSRC         string
	ChannelID    string
	Setup        SetupRole // only for TCP
	Username     string    // o= line username (device_id conventionally)
}

// Build renders a GB/T 28181 SDP body (spec §6's custom attributes appended
// after the standard session/media/connection lines).
func Build(opt BuildAnswerOptions) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=%s 0 0 IN IP4 %s\r\n", opt.Username, opt.LocalAddr)
	fmt.Fprintf(&b, "s=%s\r\n", opt.SessionName)
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", opt.LocalAddr)
	fmt.Fprintf(&b, "t=0 0\r\n")

	formats := make([]string, len(opt.PayloadTypes))
	for i, pt := range opt.PayloadTypes {
		formats[i] = strconv.Itoa(pt)
	}
	fmt.Fprintf(&b, "m=video %d %s %s\r\n", opt.LocalPort, opt.Transport, strings.Join(formats, " "))

	for _, pt := range opt.PayloadTypes {
		name := payloadTypeName(pt)
		if name != "" {
			fmt.Fprintf(&b, "a=rtpmap:%d %s/90000\r\n", pt, name)
		}
	}
	if opt.ChannelID != "" {
		fmt.Fprintf(&b, "u=%s:0\r\n", opt.ChannelID)
	}
	if opt.SSRC != "" {
		fmt.Fprintf(&b, "y=%s\r\n", opt.SSRC)
	}
	if opt.Setup != "" {
		fmt.Fprintf(&b, "a=setup:%s\r\n", opt.Setup)
		fmt.Fprintf(&b, "a=connection:new\r\n")
	}
	return []byte(b.String())
}

// payloadTypeName maps the payload types this core understands (spec §6)
// to their rtpmap encoding name; unknown types are left unannotated.
func payloadTypeName(pt int) string {
	switch pt {
	case 96:
		return "PS"
	case 98:
		return "H264"
	default:
		return ""
	}
}
