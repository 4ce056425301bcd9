package modbus

import "fmt"

// Function codes this package speaks. Relay cards only ever need the coil
// operations and the read-coils probe used for bus scanning.
const (
	FuncReadCoils          byte = 0x01
	FuncWriteSingleCoil    byte = 0x05
	FuncWriteMultipleCoils byte = 0x0F
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// MinFrameSize and MaxFrameSize bound a well-formed RTU frame: address,
// function, and a 2-byte CRC at minimum; the Modbus spec caps an ADU at 256
// bytes.
const (
	MinFrameSize = 4
	MaxFrameSize = 256
)

// Frame is a fully framed Modbus-RTU ADU: [slave][function][data...][crc-lo][crc-hi].
type Frame []byte

// EncodeFrame builds a complete RTU frame (address + function + payload + CRC)
// ready to be written to the wire.
func EncodeFrame(slave, function byte, payload []byte) Frame {
	sz := len(payload) + 4
	data := make([]byte, sz)
	data[0] = slave
	data[1] = function
	copy(data[2:], payload)
	crc := ComputeCRC16(data[:sz-2])
	setWordLE(data, sz-2, crc)
	return data
}

// DecodeFrame validates length and CRC and splits a received frame into its
// slave address, function code, and payload. The function code is returned
// as received, exception bit included; checking it is the caller's
// responsibility (see DecodeException). Returns ErrFraming on any
// malformed input (short frame, oversized frame, bad CRC) — the Bus
// Controller treats this identically to a timeout (spec §4.1/§7).
func DecodeFrame(frame Frame) (slave, function byte, payload []byte, err error) {
	if len(frame) < MinFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrFraming, len(frame))
	}
	if len(frame) > MaxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: frame too long (%d bytes)", ErrFraming, len(frame))
	}
	want := ComputeCRC16(frame[:len(frame)-2])
	got := getWordLE(frame, len(frame)-2)
	if want != got {
		return 0, 0, nil, fmt.Errorf("%w: crc mismatch (want %04x got %04x)", ErrFraming, want, got)
	}
	return frame[0], frame[1], frame[2 : len(frame)-2], nil
}

// EncodeReadCoils builds the 0x01 request payload.
func EncodeReadCoils(address, count int) []byte {
	p := make([]byte, 4)
	setWordBE(p, 0, uint16(address))
	setWordBE(p, 2, uint16(count))
	return p
}

// DecodeReadCoilsResponse unpacks the bit-packed coil response for `count` coils.
func DecodeReadCoilsResponse(payload []byte, count int) ([]bool, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty read-coils response", ErrFraming)
	}
	byteCount := int(payload[0])
	want := (count + 7) / 8
	if byteCount != want || len(payload) < 1+byteCount {
		return nil, fmt.Errorf("%w: read-coils response byte count mismatch", ErrFraming)
	}
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		bits[i] = payload[1+byteIdx]&(1<<bitIdx) != 0
	}
	return bits, nil
}

// EncodeWriteSingleCoil builds the 0x05 request payload. value=true writes 0xFF00 (on).
func EncodeWriteSingleCoil(address int, value bool) []byte {
	p := make([]byte, 4)
	setWordBE(p, 0, uint16(address))
	v := coilOff
	if value {
		v = coilOn
	}
	setWordBE(p, 2, v)
	return p
}

// DecodeWriteSingleCoilResponse validates the echoed address/value the server
// returns for a 0x05 write.
func DecodeWriteSingleCoilResponse(payload []byte) (address int, value bool, err error) {
	if len(payload) < 4 {
		return 0, false, fmt.Errorf("%w: short write-single-coil response", ErrFraming)
	}
	return int(getWordBE(payload, 0)), getWordBE(payload, 2) == coilOn, nil
}

// EncodeWriteMultipleCoils builds the 0x0F request payload for one or more coils.
func EncodeWriteMultipleCoils(address int, values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	p := make([]byte, 5+byteCount)
	setWordBE(p, 0, uint16(address))
	setWordBE(p, 2, uint16(len(values)))
	p[4] = byte(byteCount)
	for i, v := range values {
		if !v {
			continue
		}
		p[5+i/8] |= 1 << uint(i%8)
	}
	return p
}

// DecodeWriteMultipleCoilsResponse validates the echoed address/count a
// server returns for a 0x0F write.
func DecodeWriteMultipleCoilsResponse(payload []byte) (address, count int, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("%w: short write-multiple-coils response", ErrFraming)
	}
	return int(getWordBE(payload, 0)), int(getWordBE(payload, 2)), nil
}
