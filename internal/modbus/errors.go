package modbus

import (
	"errors"
	"fmt"
)

// ErrTimeout and ErrFraming are the two wire-level failure modes (spec
// §4.1/§7): no response in time, or a malformed one. The Bus Controller's
// pulse and burst retry ladders do not single them out: a slave exception or
// any other error is retried the same way.
var (
	ErrTimeout = errors.New("modbus: timeout waiting for response")
	ErrFraming = errors.New("modbus: framing error")
)

// ExceptionError represents a Modbus exception response: the slave answered
// with the high bit of the function code set and a one-byte exception code.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: slave returned exception %d for function 0x%02x: %s", e.Code, e.Function&0x7F, e.exceptionName())
}

func (e *ExceptionError) exceptionName() string {
	switch e.Code {
	case 1:
		return "illegal function"
	case 2:
		return "illegal data address"
	case 3:
		return "illegal data value"
	case 4:
		return "slave device failure"
	case 6:
		return "slave busy"
	default:
		return "unknown"
	}
}

// DecodeException extracts an *ExceptionError from a response whose function
// code has the exception bit (0x80) set. Callers must check this before
// treating payload as a normal response.
func DecodeException(function byte, payload []byte) *ExceptionError {
	if function&0x80 == 0 {
		return nil
	}
	code := byte(0)
	if len(payload) > 0 {
		code = payload[0]
	}
	return &ExceptionError{Function: function, Code: code}
}
