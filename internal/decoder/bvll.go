// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package decoder

import (
	"encoding/binary"
	"fmt"
)

// BVLLFunction is the second byte of the BVLL header.
type BVLLFunction byte

const (
	OriginalUnicastNPDU           BVLLFunction = 0x00
	OriginalBroadcastNPDU         BVLLFunction = 0x01
	ForwardedNPDU                 BVLLFunction = 0x02
	RegisterForeignDevice         BVLLFunction = 0x03
	DeleteForeignDeviceTableEntry BVLLFunction = 0x04
	DistributeBroadcastToNetwork  BVLLFunction = 0x05
)

var bvllNames = map[BVLLFunction]string{
	OriginalUnicastNPDU:           "OriginalUnicastNPDU",
	OriginalBroadcastNPDU:         "OriginalBroadcastNPDU",
	ForwardedNPDU:                 "ForwardedNPDU",
	RegisterForeignDevice:         "RegisterForeignDevice",
	DeleteForeignDeviceTableEntry: "DeleteForeignDeviceTableEntry",
	DistributeBroadcastToNetwork:  "DistributeBroadcastToNetwork",
}

func (f BVLLFunction) String() string {
	if n, ok := bvllNames[f]; ok {
		return n
	}
	return fmt.Sprintf("bvll-0x%02x", byte(f))
}

// carriesNPDU reports whether the function's payload is an NPDU worth
// decoding further.
func (f BVLLFunction) carriesNPDU() bool {
	switch f {
	case OriginalUnicastNPDU, OriginalBroadcastNPDU, ForwardedNPDU, DistributeBroadcastToNetwork:
		return true
	}
	return false
}

// bvllFrame is the decoded 4-byte header plus function-specific fields.
type bvllFrame struct {
	Function   BVLLFunction
	Originator string // ForwardedNPDU: embedded B/IP originator
	TTL        uint16 // RegisterForeignDevice
	Target     string // DeleteForeignDeviceTableEntry
	Payload    []byte
}

// bipAddress renders a 6-byte B/IP address. The default BACnet port is
// omitted, matching how sources are rendered elsewhere.
func bipAddress(b []byte) string {
	port := binary.BigEndian.Uint16(b[4:6])
	if port == 47808 {
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", b[0], b[1], b[2], b[3], port)
}

func decodeBVLL(raw []byte) (*bvllFrame, *decodeError) {
	if raw[0] != 0x81 {
		return nil, errKind(ErrNonBVLL, "first byte 0x%02x", raw[0])
	}
	if len(raw) < 4 {
		return nil, errKind(ErrBVLLDecode, "truncated header: %d bytes", len(raw))
	}

	fn := BVLLFunction(raw[1])
	if _, ok := bvllNames[fn]; !ok {
		return nil, errKind(ErrUnknownBVLLFunction, "%d", raw[1])
	}

	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if length != len(raw) {
		return nil, errKind(ErrBVLLDecode, "length field %d, datagram %d", length, len(raw))
	}

	f := &bvllFrame{Function: fn, Payload: raw[4:]}
	switch fn {
	case ForwardedNPDU:
		if len(f.Payload) < 6 {
			return nil, errKind(ErrBVLLDecode, "forwarded npdu missing originator")
		}
		f.Originator = bipAddress(f.Payload[:6])
		f.Payload = f.Payload[6:]
	case RegisterForeignDevice:
		if len(f.Payload) < 2 {
			return nil, errKind(ErrBVLLDecode, "register foreign device missing ttl")
		}
		f.TTL = binary.BigEndian.Uint16(f.Payload[:2])
	case DeleteForeignDeviceTableEntry:
		if len(f.Payload) < 6 {
			return nil, errKind(ErrBVLLDecode, "delete fdt entry missing address")
		}
		f.Target = bipAddress(f.Payload[:6])
	}
	return f, nil
}

// familyKey renders the bvll-traffic key: function name, outer source, and
// the function-specific discriminator.
func (f *bvllFrame) familyKey(src string) string {
	key := f.Function.String() + "," + src
	switch f.Function {
	case ForwardedNPDU:
		key += "," + f.Originator
	case RegisterForeignDevice:
		key += "," + fmt.Sprintf("%d", f.TTL)
	case DeleteForeignDeviceTableEntry:
		key += "," + f.Target
	}
	return key
}
