// Package manscdp parses and builds the MANSCDP XML bodies carried in SIP
// MESSAGE/NOTIFY per spec §4.5/§6. Bodies are GB18030-encoded for the
// GB/T 28181-2022 profile (GB2312 for the older 2016 profile, a strict
// subset of GB18030's codepoints); both decode through the same charmap.
package manscdp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// CmdType enumerates the values spec §4.3's anti-replay table and §4.5's
// dispatch table key on.
type CmdType string

const (
	CmdKeepalive      CmdType = "Keepalive"
	CmdDeviceStatus   CmdType = "DeviceStatus"
	CmdDeviceInfo     CmdType = "DeviceInfo"
	CmdCatalog        CmdType = "Catalog"
	CmdAlarm          CmdType = "Alarm"
	CmdDeviceControl  CmdType = "DeviceControl"
	CmdConfigDownload CmdType = "ConfigDownload"
)

// Envelope is the minimal common shape every MANSCDP body shares: a root
// element name (Notify/Response/Query/Control), CmdType, SN, and DeviceID,
// with the rest left in InnerXML for per-command unmarshaling.
type Envelope struct {
	XMLName  xml.Name
	CmdType  CmdType `xml:"CmdType"`
	SN       int     `xml:"SN"`
	DeviceID string  `xml:"DeviceID"`
	InnerXML []byte  `xml:",innerxml"`
}

// DecodeBody GB18030-decodes raw and parses the common envelope fields.
func DecodeBody(raw []byte) (*Envelope, error) {
	decoded, err := simplifiedchinese.GB18030.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("manscdp: GB18030 decode: %w", err)
	}
	var env Envelope
	if err := xml.Unmarshal(decoded, &env); err != nil {
		return nil, fmt.Errorf("manscdp: xml unmarshal: %w", err)
	}
	return &env, nil
}

// KeepaliveBody is the device-status payload for CmdType=Keepalive.
type KeepaliveBody struct {
	Status string `xml:"Status"` // "OK"
}

// DecodeKeepalive parses a Keepalive envelope's inner fields.
func DecodeKeepalive(env *Envelope) (*KeepaliveBody, error) {
	var body KeepaliveBody
	if err := xml.Unmarshal(wrapInner(env), &body); err != nil {
		return nil, fmt.Errorf("manscdp: keepalive unmarshal: %w", err)
	}
	return &body, nil
}

// DeviceInfoBody is the CmdType=DeviceInfo response payload.
type DeviceInfoBody struct {
	DeviceName   string `xml:"DeviceName"`
	Manufacturer string `xml:"Manufacturer"`
	Model        string `xml:"Model"`
	Firmware     string `xml:"Firmware"`
	Channel      int    `xml:"Channel"`
}

// DecodeDeviceInfo parses a DeviceInfo envelope's inner fields.
func DecodeDeviceInfo(env *Envelope) (*DeviceInfoBody, error) {
	var body DeviceInfoBody
	if err := xml.Unmarshal(wrapInner(env), &body); err != nil {
		return nil, fmt.Errorf("manscdp: device info unmarshal: %w", err)
	}
	return &body, nil
}

// CatalogItem is one device entry within a Catalog notify/response.
type CatalogItem struct {
	DeviceID string `xml:"DeviceID"`
	Name     string `xml:"Name"`
	Status   string `xml:"Status"`
	ParentID string `xml:"ParentID"`
}

// CatalogBody is the CmdType=Catalog payload: SumNum (total item count,
// used by the caller to detect pagination) plus this page's items.
type CatalogBody struct {
	SumNum     int           `xml:"SumNum"`
	DeviceList []CatalogItem `xml:"DeviceList>Item"`
}

// DecodeCatalog parses a Catalog envelope's inner fields.
func DecodeCatalog(env *Envelope) (*CatalogBody, error) {
	var body CatalogBody
	if err := xml.Unmarshal(wrapInner(env), &body); err != nil {
		return nil, fmt.Errorf("manscdp: catalog unmarshal: %w", err)
	}
	return &body, nil
}

// wrapInner re-wraps an envelope's InnerXML in a synthetic root so the
// per-command struct can unmarshal against it directly.
func wrapInner(env *Envelope) []byte {
	var b bytes.Buffer
	b.WriteString("<root>")
	b.Write(env.InnerXML)
	b.WriteString("</root>")
	return b.Bytes()
}

// EncodeBody renders body (an XML fragment string built by the Query*/
// Control* builders below) into a GB18030-encoded wire body.
func EncodeBody(xmlFragment string) ([]byte, error) {
	encoded, err := simplifiedchinese.GB18030.NewEncoder().String(xmlFragment)
	if err != nil {
		return nil, fmt.Errorf("manscdp: GB18030 encode: %w", err)
	}
	return []byte(encoded), nil
}

// nowSN returns a millisecond-resolution sequence number for outbound
// Query/Control SN fields, matching the reference builder's use of the
// current timestamp rather than a monotonic counter.
func nowSN() int64 {
	return time.Now().UnixMilli() % 1_000_000
}

// QueryDeviceInfo builds a Query/DeviceInfo request body.
func QueryDeviceInfo(deviceID string) string {
	return fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"GB18030\"?>\r\n<Query>\r\n<CmdType>DeviceInfo</CmdType>\r\n<SN>%d</SN>\r\n<DeviceID>%s</DeviceID>\r\n</Query>\r\n",
		nowSN(), deviceID)
}

// QueryCatalog builds a Query/Catalog request body.
func QueryCatalog(deviceID string) string {
	return fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"GB18030\"?>\r\n<Query>\r\n<CmdType>Catalog</CmdType>\r\n<SN>%d</SN>\r\n<DeviceID>%s</DeviceID>\r\n</Query>\r\n",
		nowSN(), deviceID)
}

// PTZCommand is the decoded intent behind a PTZ control XML fragment
// (left/right/up/down/zoom in/out, 0=stop/1=negative/2=positive, plus
// speeds 0-255), matching the A5 0F protocol byte layout.
type PTZCommand struct {
	LeftRight    int
	UpDown       int
	InOut        int
	HorizonSpeed byte
	VerticalSpeed byte
	ZoomSpeed    byte
}

// ControlPTZ builds a Control/DeviceControl PTZ command body.
func ControlPTZ(deviceID string, cmd PTZCommand) string {
	return fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"GB18030\"?>\r\n<Control>\r\n<CmdType>DeviceControl</CmdType>\r\n<SN>%d</SN>\r\n<DeviceID>%s</DeviceID>\r\n<PTZCmd>%s</PTZCmd>\r\n<Info>\r\n<ControlPriority>5</ControlPriority>\r\n</Info>\r\n</Control>\r\n",
		nowSN(), deviceID, ptzCmdLine(cmd))
}

// ptzCmdLine renders the 8-byte A5 0F PTZ command as a hex string, per
// GB/T 28181 Annex A.
func ptzCmdLine(cmd PTZCommand) string {
	b := [8]byte{0xA5, 0x0F, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	switch cmd.LeftRight {
	case 2:
		b[3] |= 0x01
	case 1:
		b[3] |= 0x02
	}
	switch cmd.UpDown {
	case 2:
		b[3] |= 0x04
	case 1:
		b[3] |= 0x08
	}
	switch cmd.InOut {
	case 2:
		b[3] |= 0x10
	case 1:
		b[3] |= 0x20
	}
	b[4] = cmd.HorizonSpeed
	b[5] = cmd.VerticalSpeed
	b[6] = cmd.ZoomSpeed << 4
	var sum uint16
	for _, x := range b {
		sum += uint16(x)
	}
	b[7] = byte(sum % 256)
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X", b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7])
}
