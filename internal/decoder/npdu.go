// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package decoder

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// NPCI control bits.
const (
	npciNetworkMessage = 0x80
	npciDADRPresent    = 0x20
	npciSADRPresent    = 0x08
)

// NetworkMessage selects a network-layer message.
type NetworkMessage byte

const (
	WhoIsRouterToNetwork          NetworkMessage = 0x00
	IAmRouterToNetwork            NetworkMessage = 0x01
	ICouldBeRouterToNetwork       NetworkMessage = 0x02
	RejectMessageToNetwork        NetworkMessage = 0x03
	RouterBusyToNetwork           NetworkMessage = 0x04
	RouterAvailableToNetwork      NetworkMessage = 0x05
	EstablishConnectionToNetwork  NetworkMessage = 0x06
	DisconnectConnectionToNetwork NetworkMessage = 0x07
)

var networkMessageNames = map[NetworkMessage]string{
	WhoIsRouterToNetwork:          "WhoIsRouterToNetwork",
	IAmRouterToNetwork:            "IAmRouterToNetwork",
	ICouldBeRouterToNetwork:       "ICouldBeRouterToNetwork",
	RejectMessageToNetwork:        "RejectMessageToNetwork",
	RouterBusyToNetwork:           "RouterBusyToNetwork",
	RouterAvailableToNetwork:      "RouterAvailableToNetwork",
	EstablishConnectionToNetwork:  "EstablishConnectionToNetwork",
	DisconnectConnectionToNetwork: "DisconnectConnectionToNetwork",
}

// npduFrame is the decoded NPCI plus either a network message or an APDU
// payload.
type npduFrame struct {
	SADR             string // lifted remote-station source, "" if absent
	DADR             string
	HopCount         byte
	IsNetworkMessage bool
	Message          NetworkMessage
	MessageData      []byte
	Payload          []byte // APDU bytes when not a network message
}

// remoteStation renders a routed address as "<net>:<mac>". One-byte MACs are
// decimal station numbers; longer MACs are rendered as hex.
func remoteStation(net uint16, mac []byte) string {
	if len(mac) == 1 {
		return fmt.Sprintf("%d:%d", net, mac[0])
	}
	if len(mac) == 6 {
		// A routed B/IP station.
		return fmt.Sprintf("%d:%s", net, bipAddress(mac))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d:", net)
	for _, b := range mac {
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

func decodeNPDU(raw []byte) (*npduFrame, *decodeError) {
	if len(raw) == 0 {
		return nil, errKind(ErrEmpty, "empty packet - expected NPCI header")
	}
	if raw[0] != 0x01 {
		return nil, errKind(ErrBadVersion, "not version 1 - %d", raw[0])
	}
	if len(raw) < 2 {
		return nil, errKind(ErrNPDUDecode, "missing control octet")
	}

	control := raw[1]
	pos := 2
	f := &npduFrame{IsNetworkMessage: control&npciNetworkMessage != 0}

	need := func(n int, what string) *decodeError {
		if len(raw)-pos < n {
			return errKind(ErrNPDUDecode, "truncated %s", what)
		}
		return nil
	}

	hasDADR := control&npciDADRPresent != 0
	if hasDADR {
		if err := need(3, "destination address"); err != nil {
			return nil, err
		}
		dnet := binary.BigEndian.Uint16(raw[pos : pos+2])
		dlen := int(raw[pos+2])
		pos += 3
		if err := need(dlen, "destination mac"); err != nil {
			return nil, err
		}
		if dlen == 0 {
			f.DADR = fmt.Sprintf("%d:*", dnet) // broadcast to dnet
		} else {
			f.DADR = remoteStation(dnet, raw[pos:pos+dlen])
		}
		pos += dlen
	}

	if control&npciSADRPresent != 0 {
		if err := need(3, "source address"); err != nil {
			return nil, err
		}
		snet := binary.BigEndian.Uint16(raw[pos : pos+2])
		slen := int(raw[pos+2])
		pos += 3
		if slen == 0 {
			return nil, errKind(ErrNPDUDecode, "zero-length SADR")
		}
		if err := need(slen, "source mac"); err != nil {
			return nil, err
		}
		f.SADR = remoteStation(snet, raw[pos:pos+slen])
		pos += slen
	}

	if hasDADR {
		if err := need(1, "hop count"); err != nil {
			return nil, err
		}
		f.HopCount = raw[pos]
		pos++
	}

	if f.IsNetworkMessage {
		if err := need(1, "network message type"); err != nil {
			return nil, err
		}
		f.Message = NetworkMessage(raw[pos])
		pos++
		if raw[pos-1] >= 0x80 {
			// Vendor-proprietary message carries a vendor id.
			if err := need(2, "vendor id"); err != nil {
				return nil, err
			}
			pos += 2
		}
		f.MessageData = raw[pos:]
	} else {
		f.Payload = raw[pos:]
	}
	return f, nil
}

// familyKey renders the network-traffic key: message name, lifted source,
// and message-specific discriminators.
func (f *npduFrame) familyKey(src string) string {
	name, ok := networkMessageNames[f.Message]
	if !ok {
		name = fmt.Sprintf("NetworkMessage-%d", byte(f.Message))
	}
	key := name + "," + src
	data := f.MessageData

	u16 := func(off int) (uint16, bool) {
		if len(data) < off+2 {
			return 0, false
		}
		return binary.BigEndian.Uint16(data[off : off+2]), true
	}
	netList := func() string {
		var nets []string
		for off := 0; off+2 <= len(data); off += 2 {
			nets = append(nets, fmt.Sprintf("%d", binary.BigEndian.Uint16(data[off:off+2])))
		}
		return strings.Join(nets, ",")
	}

	switch f.Message {
	case WhoIsRouterToNetwork:
		if n, ok := u16(0); ok {
			key += fmt.Sprintf(",%d", n)
		} else {
			key += ",*"
		}
	case IAmRouterToNetwork, RouterBusyToNetwork, RouterAvailableToNetwork:
		key += "," + netList()
	case ICouldBeRouterToNetwork:
		if n, ok := u16(0); ok {
			key += fmt.Sprintf(",%d", n)
			if len(data) >= 3 {
				key += fmt.Sprintf(",%d", data[2])
			}
		}
	case RejectMessageToNetwork:
		if len(data) >= 1 {
			key += fmt.Sprintf(",%d", data[0])
			if n, ok := u16(1); ok {
				key += fmt.Sprintf(",%d", n)
			}
		}
	case EstablishConnectionToNetwork:
		if n, ok := u16(0); ok {
			key += fmt.Sprintf(",%d", n)
			if len(data) >= 3 {
				key += fmt.Sprintf(",%d", data[2])
			}
		}
	case DisconnectConnectionToNetwork:
		if n, ok := u16(0); ok {
			key += fmt.Sprintf(",%d", n)
		}
	}
	return key
}
