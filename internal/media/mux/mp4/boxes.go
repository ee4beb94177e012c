package mp4

import "encoding/binary"

// box wraps content in an ISOBMFF box: 4-byte big-endian size + 4-byte
// ASCII type + content. Package shape (one small typed box-builder per
// concern, composed by a generic wrapper) is grounded on
// zsiec-prism/internal/mpegts's per-table parsers (PAT/PMT/PES each its
// own function returning a typed struct); here the inverse direction
// (writing rather than parsing) gets the same one-function-per-box
// treatment.
func box(boxType string, children ...[]byte) []byte {
	size := 8
	for _, c := range children {
		size += len(c)
	}
	out := make([]byte, 8, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(size))
	copy(out[4:8], boxType)
	for _, c := range children {
		out = append(out, c...)
	}
	return out
}

// fullBox is a box whose content begins with a 1-byte version and 3-byte
// flags field (ISOBMFF "FullBox").
func fullBox(boxType string, version byte, flags uint32, payload []byte) []byte {
	head := make([]byte, 4, 4+len(payload))
	head[0] = version
	head[1] = byte(flags >> 16)
	head[2] = byte(flags >> 8)
	head[3] = byte(flags)
	head = append(head, payload...)
	return box(boxType, head)
}

func u16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func ftypBox() []byte {
	payload := append([]byte{}, []byte("isom")...)
	payload = append(payload, u32(0x200)...) // minor version
	for _, brand := range []string{"isom", "iso5", "iso6", "mp41"} {
		payload = append(payload, []byte(brand)...)
	}
	return box("ftyp", payload)
}

const timescale = 90000 // 90kHz, matching RTP's H.264 clock rate

func mvhdBox() []byte {
	payload := append([]byte{}, u32(0)...) // creation_time
	payload = append(payload, u32(0)...)   // modification_time
	payload = append(payload, u32(timescale)...)
	payload = append(payload, u32(0)...) // duration (unknown, fragmented)
	payload = append(payload, u32(0x00010000)...) // rate 1.0
	payload = append(payload, u16(0x0100)...)     // volume 1.0
	payload = append(payload, make([]byte, 10)...) // reserved
	payload = append(payload, identityMatrix()...)
	payload = append(payload, make([]byte, 24)...) // pre_defined
	payload = append(payload, u32(2)...)           // next_track_ID
	return fullBox("mvhd", 0, 0, payload)
}

func identityMatrix() []byte {
	vals := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	out := make([]byte, 0, 36)
	for _, v := range vals {
		out = append(out, u32(v)...)
	}
	return out
}

func tkhdBox(trackID uint32, width, height int) []byte {
	payload := append([]byte{}, u32(0)...) // creation_time
	payload = append(payload, u32(0)...)   // modification_time
	payload = append(payload, u32(trackID)...)
	payload = append(payload, u32(0)...) // reserved
	payload = append(payload, u32(0)...) // duration
	payload = append(payload, make([]byte, 8)...) // reserved
	payload = append(payload, u16(0)...)          // layer
	payload = append(payload, u16(0)...)          // alternate_group
	payload = append(payload, u16(0)...)          // volume (video track)
	payload = append(payload, u16(0)...)          // reserved
	payload = append(payload, identityMatrix()...)
	payload = append(payload, u32(uint32(width)<<16)...)
	payload = append(payload, u32(uint32(height)<<16)...)
	return fullBox("tkhd", 0, 0x000007, payload) // flags: track enabled+in movie+in preview
}

func mdhdBox() []byte {
	payload := append([]byte{}, u32(0)...)
	payload = append(payload, u32(0)...)
	payload = append(payload, u32(timescale)...)
	payload = append(payload, u32(0)...)      // duration
	payload = append(payload, u16(0x55C4)...) // language "und"
	payload = append(payload, u16(0)...)
	return fullBox("mdhd", 0, 0, payload)
}

func hdlrBox() []byte {
	payload := append([]byte{}, u32(0)...) // pre_defined
	payload = append(payload, []byte("vide")...)
	payload = append(payload, make([]byte, 12)...) // reserved
	payload = append(payload, []byte("VideoHandler\x00")...)
	return fullBox("hdlr", 0, 0, payload)
}

func vmhdBox() []byte {
	payload := append([]byte{}, u16(0)...) // graphicsmode
	payload = append(payload, make([]byte, 6)...) // opcolor
	return fullBox("vmhd", 0, 1, payload)
}

func drefBox() []byte {
	url := fullBox("url ", 0, 1, nil)
	payload := append([]byte{}, u32(1)...) // entry_count
	payload = append(payload, url...)
	return fullBox("dref", 0, 0, payload)
}

func dinfBox() []byte {
	return box("dinf", drefBox())
}

func avcCBox(sps, pps []byte) []byte {
	payload := []byte{0x01} // configurationVersion
	if len(sps) >= 4 {
		payload = append(payload, sps[1], sps[2], sps[3])
	} else {
		payload = append(payload, 0, 0, 0)
	}
	payload = append(payload, 0xFF) // lengthSizeMinusOne=3
	payload = append(payload, 0xE1)
	payload = append(payload, byte(len(sps)>>8), byte(len(sps)))
	payload = append(payload, sps...)
	payload = append(payload, 0x01)
	payload = append(payload, byte(len(pps)>>8), byte(len(pps)))
	payload = append(payload, pps...)
	return box("avcC", payload)
}

func avc1Box(width, height int, sps, pps []byte) []byte {
	payload := make([]byte, 0, 78)
	payload = append(payload, make([]byte, 6)...) // reserved
	payload = append(payload, u16(1)...)          // data_reference_index
	payload = append(payload, u16(0)...)          // pre_defined
	payload = append(payload, u16(0)...)          // reserved
	payload = append(payload, make([]byte, 12)...) // pre_defined
	payload = append(payload, u16(uint16(width))...)
	payload = append(payload, u16(uint16(height))...)
	payload = append(payload, u32(0x00480000)...) // horizresolution 72dpi
	payload = append(payload, u32(0x00480000)...) // vertresolution 72dpi
	payload = append(payload, u32(0)...)          // reserved
	payload = append(payload, u16(1)...)          // frame_count
	payload = append(payload, make([]byte, 32)...) // compressorname
	payload = append(payload, u16(0x0018)...)      // depth
	payload = append(payload, []byte{0xFF, 0xFF}...) // pre_defined (-1)
	payload = append(payload, avcCBox(sps, pps)...)
	return box("avc1", payload)
}

func stsdBox(width, height int, sps, pps []byte) []byte {
	payload := append([]byte{}, u32(1)...) // entry_count
	payload = append(payload, avc1Box(width, height, sps, pps)...)
	return fullBox("stsd", 0, 0, payload)
}

func emptyTableBox(boxType string) []byte {
	return fullBox(boxType, 0, 0, u32(0))
}

func stblBox(width, height int, sps, pps []byte) []byte {
	return box("stbl",
		stsdBox(width, height, sps, pps),
		emptyTableBox("stts"),
		emptyTableBox("stsc"),
		fullBox("stsz", 0, 0, append(u32(0), u32(0)...)),
		emptyTableBox("stco"),
	)
}

func minfBox(width, height int, sps, pps []byte) []byte {
	return box("minf", vmhdBox(), dinfBox(), stblBox(width, height, sps, pps))
}

func mdiaBox(width, height int, sps, pps []byte) []byte {
	return box("mdia", mdhdBox(), hdlrBox(), minfBox(width, height, sps, pps))
}

func trakBox(trackID uint32, width, height int, sps, pps []byte) []byte {
	return box("trak", tkhdBox(trackID, width, height), mdiaBox(width, height, sps, pps))
}

func trexBox(trackID uint32) []byte {
	payload := append([]byte{}, u32(trackID)...)
	payload = append(payload, u32(1)...) // default_sample_description_index
	payload = append(payload, u32(0)...) // default_sample_duration
	payload = append(payload, u32(0)...) // default_sample_size
	payload = append(payload, u32(0)...) // default_sample_flags
	return fullBox("trex", 0, 0, payload)
}

func mvexBox(trackID uint32) []byte {
	return box("mvex", trexBox(trackID))
}

func moovBox(trackID uint32, width, height int, sps, pps []byte) []byte {
	return box("moov", mvhdBox(), trakBox(trackID, width, height, sps, pps), mvexBox(trackID))
}

const (
	sampleFlagNonSync = 0x00010000 // sample_depends_on/is_non_sync bits: not a sync sample
	sampleFlagSync    = 0x02000000 // sample_is_non_sync_sample=0, sample_depends_on=2 (I picture)
)

func mfhdBox(sequence uint32) []byte {
	return fullBox("mfhd", 0, 0, u32(sequence))
}

func tfhdBox(trackID uint32) []byte {
	// flags: default-base-is-moof (0x020000)
	return fullBox("tfhd", 0, 0x020000, u32(trackID))
}

func tfdtBox(baseMediaDecodeTime uint64) []byte {
	return fullBox("tfdt", 1, 0, u64(baseMediaDecodeTime))
}

// sample describes one access unit inside a fragment's trun box.
type sample struct {
	duration uint32
	size     uint32
	keyframe bool
}

func trunBox(samples []sample, dataOffset int32) []byte {
	const flags = 0x000001 | 0x000100 | 0x000200 | 0x000400 // data-offset, duration, size, flags present
	payload := append([]byte{}, u32(uint32(len(samples)))...)
	payload = append(payload, uint32ToBytes(uint32(dataOffset))...)
	for _, s := range samples {
		sf := uint32(sampleFlagNonSync)
		if s.keyframe {
			sf = sampleFlagSync
		}
		payload = append(payload, u32(s.duration)...)
		payload = append(payload, u32(s.size)...)
		payload = append(payload, u32(sf)...)
	}
	return fullBox("trun", 0, flags, payload)
}

func uint32ToBytes(v uint32) []byte { return u32(v) }

func trafBox(trackID uint32, baseMediaDecodeTime uint64, samples []sample, dataOffset int32) []byte {
	return box("traf", tfhdBox(trackID), tfdtBox(baseMediaDecodeTime), trunBox(samples, dataOffset))
}

func moofBox(sequence, trackID uint32, baseMediaDecodeTime uint64, samples []sample, dataOffset int32) []byte {
	return box("moof", mfhdBox(sequence), trafBox(trackID, baseMediaDecodeTime, samples, dataOffset))
}

func mdatBox(data []byte) []byte {
	return box("mdat", data)
}
