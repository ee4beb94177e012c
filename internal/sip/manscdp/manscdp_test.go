package manscdp

import (
	"strings"
	"testing"
)

func gb18030Body(t *testing.T, xmlFragment string) []byte {
	t.Helper()
	b, err := EncodeBody(xmlFragment)
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	return b
}

func TestDecodeKeepaliveEnvelope(t *testing.T) {
	xmlFragment := "<?xml version=\"1.0\" encoding=\"GB18030\"?>\r\n<Notify>\r\n<CmdType>Keepalive</CmdType>\r\n<SN>1</SN>\r\n<DeviceID>34020000001110000001</DeviceID>\r\n<Status>OK</Status>\r\n</Notify>\r\n"
	body := gb18030Body(t, xmlFragment)

	env, err := DecodeBody(body)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if env.CmdType != CmdKeepalive {
		t.Fatalf("expected CmdType Keepalive, got %s", env.CmdType)
	}
	if env.DeviceID != "34020000001110000001" {
		t.Fatalf("unexpected device id: %s", env.DeviceID)
	}

	ka, err := DecodeKeepalive(env)
	if err != nil {
		t.Fatalf("DecodeKeepalive: %v", err)
	}
	if ka.Status != "OK" {
		t.Fatalf("expected status OK, got %s", ka.Status)
	}
}

func TestDecodeCatalogWithChineseNames(t *testing.T) {
	xmlFragment := "<?xml version=\"1.0\" encoding=\"GB18030\"?>\r\n<Response>\r\n<CmdType>Catalog</CmdType>\r\n<SN>2</SN>\r\n<DeviceID>34020000001110000001</DeviceID>\r\n<SumNum>2</SumNum>\r\n<DeviceList Num=\"2\">\r\n<Item>\r\n<DeviceID>34020000001320000101</DeviceID>\r\n<Name>前门摄像头</Name>\r\n<Status>ON</Status>\r\n</Item>\r\n<Item>\r\n<DeviceID>34020000001320000102</DeviceID>\r\n<Name>后门摄像头</Name>\r\n<Status>OFF</Status>\r\n</Item>\r\n</DeviceList>\r\n</Response>\r\n"
	body := gb18030Body(t, xmlFragment)

	env, err := DecodeBody(body)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if env.CmdType != CmdCatalog {
		t.Fatalf("expected CmdType Catalog, got %s", env.CmdType)
	}

	cat, err := DecodeCatalog(env)
	if err != nil {
		t.Fatalf("DecodeCatalog: %v", err)
	}
	if cat.SumNum != 2 {
		t.Fatalf("expected SumNum 2, got %d", cat.SumNum)
	}
	if len(cat.DeviceList) != 2 {
		t.Fatalf("expected 2 items, got %d", len(cat.DeviceList))
	}
	if cat.DeviceList[0].Name != "前门摄像头" {
		t.Fatalf("expected decoded Chinese name, got %q", cat.DeviceList[0].Name)
	}
	if cat.DeviceList[1].Status != "OFF" {
		t.Fatalf("expected second item OFF, got %s", cat.DeviceList[1].Status)
	}
}

func TestDecodeDeviceInfo(t *testing.T) {
	xmlFragment := "<?xml version=\"1.0\"?>\r\n<Response>\r\n<CmdType>DeviceInfo</CmdType>\r\n<SN>3</SN>\r\n<DeviceID>34020000001110000001</DeviceID>\r\n<DeviceName>NVR-1</DeviceName>\r\n<Manufacturer>Acme</Manufacturer>\r\n<Model>X100</Model>\r\n<Firmware>1.2.3</Firmware>\r\n<Channel>4</Channel>\r\n</Response>\r\n"
	body := gb18030Body(t, xmlFragment)

	env, err := DecodeBody(body)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	info, err := DecodeDeviceInfo(env)
	if err != nil {
		t.Fatalf("DecodeDeviceInfo: %v", err)
	}
	if info.DeviceName != "NVR-1" || info.Manufacturer != "Acme" || info.Channel != 4 {
		t.Fatalf("unexpected device info: %+v", info)
	}
}

func TestQueryBuildersProduceWellFormedXML(t *testing.T) {
	body := QueryCatalog("34020000001110000001")
	if !strings.Contains(body, "<CmdType>Catalog</CmdType>") {
		t.Fatalf("expected Catalog CmdType in body: %s", body)
	}
	if !strings.Contains(body, "<DeviceID>34020000001110000001</DeviceID>") {
		t.Fatalf("expected device id in body: %s", body)
	}

	infoBody := QueryDeviceInfo("34020000001110000001")
	if !strings.Contains(infoBody, "<CmdType>DeviceInfo</CmdType>") {
		t.Fatalf("expected DeviceInfo CmdType in body: %s", infoBody)
	}
}

func TestControlPTZEncodesDirectionBits(t *testing.T) {
	body := ControlPTZ("34020000001320000101", PTZCommand{
		LeftRight: 2, UpDown: 1, InOut: 0,
		HorizonSpeed: 0x20, VerticalSpeed: 0x10, ZoomSpeed: 0x05,
	})
	if !strings.Contains(body, "<CmdType>DeviceControl</CmdType>") {
		t.Fatalf("expected DeviceControl CmdType in body: %s", body)
	}
	// A5 0F 01 <dir> 20 10 50 <checksum>; dir = right(0x01) | up(0x08) = 0x09
	if !strings.Contains(body, "A50F0109201050") {
		t.Fatalf("expected encoded PTZ command line in body: %s", body)
	}
}
