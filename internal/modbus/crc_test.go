package modbus

import "testing"

func TestComputeCRC16KnownVector(t *testing.T) {
	// Read Coils request for slave 0x11, address 0x0013, count 0x0025 — a
	// worked example from the Modbus RTU spec, sent with CRC bytes 0E 84
	// (low byte first), i.e. CRC value 0x840E.
	data := []byte{0x11, 0x01, 0x00, 0x13, 0x00, 0x25}
	got := ComputeCRC16(data)
	if got != 0x840E {
		t.Fatalf("ComputeCRC16() = %#04x, want 0x840e", got)
	}
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := EncodeReadCoils(4, 1)
	frame := EncodeFrame(1, FuncReadCoils, payload)

	slave, function, got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if slave != 1 || function != FuncReadCoils {
		t.Fatalf("DecodeFrame() = (%d, %d), want (1, %d)", slave, function, FuncReadCoils)
	}
	if string(got) != string(payload) {
		t.Fatalf("DecodeFrame() payload = %v, want %v", got, payload)
	}
}

func TestDecodeFrameRejectsFlippedBit(t *testing.T) {
	frame := EncodeFrame(1, FuncReadCoils, EncodeReadCoils(4, 1))
	for i := range frame {
		corrupt := make(Frame, len(frame))
		copy(corrupt, frame)
		corrupt[i] ^= 0x01
		if _, _, _, err := DecodeFrame(corrupt); err == nil {
			t.Fatalf("DecodeFrame() accepted frame with bit %d flipped", i)
		}
	}
}

func TestDecodeFrameRejectsShortFrame(t *testing.T) {
	if _, _, _, err := DecodeFrame(Frame{0x01, 0x01, 0x00}); err == nil {
		t.Fatal("DecodeFrame() accepted a too-short frame")
	}
}

func TestWriteSingleCoilRoundTrip(t *testing.T) {
	payload := EncodeWriteSingleCoil(10, true)
	addr, val, err := DecodeWriteSingleCoilResponse(payload)
	if err != nil {
		t.Fatalf("DecodeWriteSingleCoilResponse() error = %v", err)
	}
	if addr != 10 || !val {
		t.Fatalf("got (%d, %v), want (10, true)", addr, val)
	}
}

func TestReadCoilsResponseRoundTrip(t *testing.T) {
	// 10 coils, alternating on/off starting ON, packed LSB-first per byte.
	want := []bool{true, false, true, false, true, false, true, false, true, false}
	byteCount := (len(want) + 7) / 8
	payload := make([]byte, 1+byteCount)
	payload[0] = byte(byteCount)
	for i, v := range want {
		if v {
			payload[1+i/8] |= 1 << uint(i%8)
		}
	}
	got, err := DecodeReadCoilsResponse(payload, len(want))
	if err != nil {
		t.Fatalf("DecodeReadCoilsResponse() error = %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bit %d = %v, want %v", i, got[i], want[i])
		}
	}
}
