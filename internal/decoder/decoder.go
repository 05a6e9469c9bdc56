// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package decoder classifies raw BACnet/IP datagrams into traffic family
// keys. Decoding is layered (BVLL, then NPDU, then APDU); each layer can
// reject the packet independently, and rejection is itself a classification:
// malformed input never stops the pipeline.
package decoder

import (
	"fmt"
)

// Category names the traffic set a family key belongs to.
type Category string

const (
	CategoryIP          Category = "ip-traffic"
	CategoryBVLL        Category = "bvll-traffic"
	CategoryNetwork     Category = "network-traffic"
	CategoryApplication Category = "application-traffic"
	CategoryError       Category = "error-traffic"
)

// ErrorKind classifies why a packet was rejected.
type ErrorKind string

const (
	ErrEmpty               ErrorKind = "empty"
	ErrNonBVLL             ErrorKind = "non_bvll"
	ErrUnknownBVLLFunction ErrorKind = "unknown_bvll_function"
	ErrBVLLDecode          ErrorKind = "bvll_decode"
	ErrBadVersion          ErrorKind = "bad_version"
	ErrNPDUDecode          ErrorKind = "npdu_decode"
	ErrAPDUDecode          ErrorKind = "apdu_decode"
	ErrUnknownAPDUType     ErrorKind = "unknown_apdu_type"
)

// PacketMeta is the minimum metadata the counting engine needs.
type PacketMeta struct {
	Size     int    `json:"size"`
	Protocol string `json:"protocol"`
}

// Outcome is the result of classifying one datagram. Source and Meta are
// always populated. Either Key/Category are set (classified) or ErrKind is
// set (rejected).
type Outcome struct {
	Source   string
	Meta     PacketMeta
	Key      string
	Category Category
	ErrKind  ErrorKind
	Detail   string

	// BVLLKey is the bvll-traffic family key, set for every well-formed
	// BVLL frame even when classification continues into deeper layers.
	BVLLKey string

	// ForwardedNonBBMD is set when a ForwardedNPDU arrived from an address
	// not configured as a BBMD; the monitor raises an alert for it.
	ForwardedNonBBMD bool
	ForwardedOrigin  string
}

// Classified reports whether the packet produced a family key.
func (o Outcome) Classified() bool { return o.ErrKind == "" }

// ErrorEntry renders the error-traffic set member for a rejected packet.
func (o Outcome) ErrorEntry() string {
	if o.Detail == "" {
		return fmt.Sprintf("%s,%s", o.ErrKind, o.Source)
	}
	return fmt.Sprintf("%s,%s,%s", o.ErrKind, o.Source, o.Detail)
}

// Decoder classifies datagrams. It is stateless apart from the configured
// BBMD addresses, so one instance serves the whole monitor.
type Decoder struct {
	bbmd map[string]bool
}

// New builds a Decoder that treats the given addresses as legitimate
// ForwardedNPDU sources.
func New(bbmdAddresses []string) *Decoder {
	bbmd := make(map[string]bool, len(bbmdAddresses))
	for _, a := range bbmdAddresses {
		bbmd[a] = true
	}
	return &Decoder{bbmd: bbmd}
}

// Decode classifies one datagram received from src.
func (d *Decoder) Decode(raw []byte, src string) Outcome {
	out := Outcome{
		Source: src,
		Meta:   PacketMeta{Size: len(raw), Protocol: "bacnet"},
	}

	if len(raw) == 0 {
		out.ErrKind = ErrEmpty
		out.Detail = "empty packet - expected BVLL header"
		return out
	}

	bvll, err := decodeBVLL(raw)
	if err != nil {
		err.apply(&out)
		return out
	}

	// ForwardedNPDU lifts the source to the embedded originator; other
	// NPDU-carrying functions keep the outer source.
	source := src
	if bvll.Function == ForwardedNPDU {
		if !d.bbmd[src] {
			out.ForwardedNonBBMD = true
			out.ForwardedOrigin = bvll.Originator
		}
		source = bvll.Originator
	}

	out.BVLLKey = bvll.familyKey(src)
	out.Key = out.BVLLKey
	out.Category = CategoryBVLL
	if !bvll.Function.carriesNPDU() {
		return out
	}

	npdu, err := decodeNPDU(bvll.Payload)
	if err != nil {
		err.apply(&out)
		return out
	}
	if npdu.SADR != "" {
		source = npdu.SADR
	}

	if npdu.IsNetworkMessage {
		out.Key = npdu.familyKey(source)
		out.Category = CategoryNetwork
		return out
	}

	apduKey, err := decodeAPDU(npdu.Payload, source)
	if err != nil {
		err.apply(&out)
		return out
	}
	out.Key = apduKey
	out.Category = CategoryApplication
	return out
}

// decodeError carries a rejection up through the layers.
type decodeError struct {
	kind   ErrorKind
	detail string
}

func (e *decodeError) Error() string { return string(e.kind) + ": " + e.detail }

func (e *decodeError) apply(out *Outcome) {
	out.Key = ""
	out.Category = ""
	out.ErrKind = e.kind
	out.Detail = e.detail
}

func errKind(kind ErrorKind, format string, args ...any) *decodeError {
	return &decodeError{kind: kind, detail: fmt.Sprintf(format, args...)}
}
