package h264

import "fmt"

// parseSPS extracts width, height, and frame rate from a raw (RBSP, not
// yet de-escaped from emulation prevention bytes removed here) SPS NAL
// per spec §4.7: "Width, height, and frame rate are parsed from the SPS;
// if the SPS lacks timing info, default to 25 fps." No pack repo carries
// an exp-Golomb SPS bitstream reader, so this is new code against the
// H.264 spec's SPS syntax table directly (stdlib only, justified in the
// grounding ledger: parsing raw NAL bitstream fields has no idiomatic
// third-party Go library in the retrieved pack).
func parseSPS(nalu []byte) (width, height int, frameRate float64, err error) {
	if len(nalu) < 4 {
		return 0, 0, 0, fmt.Errorf("h264: SPS too short")
	}
	rbsp := unescapeRBSP(nalu[1:]) // drop the 1-byte NAL header
	r := &bitReader{data: rbsp}

	profileIdc := r.readBits(8)
	r.readBits(8) // constraint flags + reserved
	r.readBits(8) // level_idc
	r.readUE()    // seq_parameter_set_id

	chromaFormatIdc := uint32(1)
	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIdc = r.readUE()
		if chromaFormatIdc == 3 {
			r.readBits(1) // separate_colour_plane_flag
		}
		r.readUE() // bit_depth_luma_minus8
		r.readUE() // bit_depth_chroma_minus8
		r.readBits(1) // qpprime_y_zero_transform_bypass_flag
		if r.readBits(1) == 1 {
			n := 8
			if chromaFormatIdc == 3 {
				n = 12
			}
			for i := 0; i < n; i++ {
				if r.readBits(1) == 1 {
					skipScalingList(r)
				}
			}
		}
	}
	r.readUE() // log2_max_frame_num_minus4
	picOrderCntType := r.readUE()
	if picOrderCntType == 0 {
		r.readUE() // log2_max_pic_order_cnt_lsb_minus4
	} else if picOrderCntType == 1 {
		r.readBits(1)
		r.readSE()
		r.readSE()
		numRefFrames := r.readUE()
		for i := uint32(0); i < numRefFrames; i++ {
			r.readSE()
		}
	}
	r.readUE() // max_num_ref_frames
	r.readBits(1) // gaps_in_frame_num_value_allowed_flag
	picWidthInMbsMinus1 := r.readUE()
	picHeightInMapUnitsMinus1 := r.readUE()
	frameMbsOnlyFlag := r.readBits(1)
	if frameMbsOnlyFlag == 0 {
		r.readBits(1) // mb_adaptive_frame_field_flag
	}
	r.readBits(1) // direct_8x8_inference_flag
	cropLeft, cropRight, cropTop, cropBottom := uint32(0), uint32(0), uint32(0), uint32(0)
	if r.readBits(1) == 1 {
		cropLeft = r.readUE()
		cropRight = r.readUE()
		cropTop = r.readUE()
		cropBottom = r.readUE()
	}
	if r.err != nil {
		return 0, 0, 0, r.err
	}

	width = int((picWidthInMbsMinus1+1)*16) - int((cropLeft+cropRight)*2)
	frameHeightMult := uint32(2)
	if frameMbsOnlyFlag == 1 {
		frameHeightMult = 1
	}
	height = int((picHeightInMapUnitsMinus1+1)*16*frameHeightMult) - int((cropTop+cropBottom)*2*frameHeightMult)

	frameRate = 25
	if r.readBits(1) == 1 { // vui_parameters_present_flag
		if rate, ok := readVUIFrameRate(r); ok {
			frameRate = rate
		}
	}
	return width, height, frameRate, nil
}

func readVUIFrameRate(r *bitReader) (float64, bool) {
	if r.readBits(1) == 1 { // aspect_ratio_info_present_flag
		arIdc := r.readBits(8)
		if arIdc == 255 {
			r.readBits(16)
			r.readBits(16)
		}
	}
	if r.readBits(1) == 1 { // overscan_info_present_flag
		r.readBits(1)
	}
	if r.readBits(1) == 1 { // video_signal_type_present_flag
		r.readBits(3)
		r.readBits(1)
		if r.readBits(1) == 1 { // colour_description_present_flag
			r.readBits(8)
			r.readBits(8)
			r.readBits(8)
		}
	}
	if r.readBits(1) == 1 { // chroma_loc_info_present_flag
		r.readUE()
		r.readUE()
	}
	if r.readBits(1) != 1 { // timing_info_present_flag
		return 0, false
	}
	numUnitsInTick := r.readBits(32)
	timeScale := r.readBits(32)
	if r.err != nil || numUnitsInTick == 0 {
		return 0, false
	}
	return float64(timeScale) / (2 * float64(numUnitsInTick)), true
}

func skipScalingList(r *bitReader) {
	lastScale, nextScale := int32(8), int32(8)
	for j := 0; j < 16; j++ {
		if nextScale != 0 {
			delta := r.readSEInt()
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// unescapeRBSP removes H.264 emulation prevention bytes (00 00 03 -> 00 00).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}

// bitReader is a big-endian MSB-first bit reader with exp-Golomb support.
type bitReader struct {
	data   []byte
	bitPos int
	err    error
}

func (r *bitReader) readBits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := r.bitPos / 8
		if byteIdx >= len(r.data) {
			r.err = fmt.Errorf("h264: SPS bitstream exhausted")
			return v
		}
		bit := (r.data[byteIdx] >> (7 - uint(r.bitPos%8))) & 1
		v = v<<1 | uint32(bit)
		r.bitPos++
	}
	return v
}

func (r *bitReader) readUE() uint32 {
	leadingZeros := 0
	for r.readBits(1) == 0 {
		leadingZeros++
		if r.err != nil || leadingZeros > 32 {
			return 0
		}
	}
	if leadingZeros == 0 {
		return 0
	}
	return (1 << uint(leadingZeros)) - 1 + r.readBits(leadingZeros)
}

func (r *bitReader) readSE() uint32 {
	return uint32(r.readSEInt())
}

func (r *bitReader) readSEInt() int32 {
	v := r.readUE()
	if v%2 == 0 {
		return -int32(v / 2)
	}
	return int32(v+1) / 2
}
