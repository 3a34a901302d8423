// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package std

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/xtaci/kinebus"
)

// The reference PDU framing: one version-prefix byte, a big-endian
// message length, a big-endian value length, then the message and the
// value. The message is a sequence id followed by an opcode.
const (
	PDUPrefix    = 'F'
	PDUHeaderLen = 1 + 4 + 4
	PDUMsgLen    = 8 + 1

	// MaxValueLen rejects absurd value lengths before allocation.
	MaxValueLen = 16 * 1024 * 1024
)

// Opcodes understood by the reference peer.
const (
	OpEcho uint8 = iota
	OpStatus
)

// PDU is one framed request or response.
type PDU struct {
	SeqID int64
	Op    uint8
	Value []byte
}

var (
	ErrBadPrefix = errors.New("frame: bad version prefix")
	ErrBadLength = errors.New("frame: bad length field")
)

// PackPDU frames p for the wire.
func PackPDU(p *PDU) []byte {
	buf := make([]byte, PDUHeaderLen+PDUMsgLen+len(p.Value))
	buf[0] = PDUPrefix
	binary.BigEndian.PutUint32(buf[1:], PDUMsgLen)
	binary.BigEndian.PutUint32(buf[5:], uint32(len(p.Value)))
	binary.BigEndian.PutUint64(buf[9:], uint64(p.SeqID))
	buf[17] = p.Op
	copy(buf[PDUHeaderLen+PDUMsgLen:], p.Value)
	return buf
}

// ReadPDU parses one complete frame from buf. It returns the PDU, the
// total frame size, and a nil PDU with want>0 (the total size needed so
// far) when more bytes are needed.
func ReadPDU(buf []byte) (p *PDU, total int, want int, err error) {
	if len(buf) < PDUHeaderLen {
		return nil, 0, PDUHeaderLen, nil
	}
	if buf[0] != PDUPrefix {
		return nil, 0, 0, ErrBadPrefix
	}
	msgLen := int(binary.BigEndian.Uint32(buf[1:]))
	valueLen := int(binary.BigEndian.Uint32(buf[5:]))
	if msgLen < PDUMsgLen || valueLen > MaxValueLen {
		return nil, 0, 0, ErrBadLength
	}
	total = PDUHeaderLen + msgLen + valueLen
	if len(buf) < total {
		return nil, 0, total, nil
	}
	msg := buf[PDUHeaderLen:]
	p = &PDU{
		SeqID: int64(binary.BigEndian.Uint64(msg)),
		Op:    msg[8],
	}
	if valueLen > 0 {
		// unpack must not retain the listener's buffer
		p.Value = make([]byte, valueLen)
		copy(p.Value, buf[PDUHeaderLen+msgLen:total])
	}
	return p, total, 0, nil
}

// Unpack is a kinebus unpack callback over the reference framing.
func Unpack(buf []byte, socketUdata interface{}) kinebus.UnpackResult {
	p, total, want, err := ReadPDU(buf)
	if err != nil {
		return kinebus.UnpackResult{Kind: kinebus.UnpackError, Err: err}
	}
	if p == nil {
		return kinebus.UnpackResult{Kind: kinebus.UnpackNeedMore, Expected: want}
	}
	return kinebus.UnpackResult{
		Kind:     kinebus.UnpackSuccess,
		SeqID:    p.SeqID,
		Response: p,
		Consumed: total,
	}
}

// Sink is the pass-through sink callback: every byte goes to the framer.
func Sink(buf []byte, socketUdata interface{}) int {
	return 0
}
