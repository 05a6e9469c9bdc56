// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package decoder

import (
	"fmt"
)

// APDU type nibbles.
const (
	apduConfirmedRequest   = 0
	apduUnconfirmedRequest = 1
	apduSimpleAck          = 2
	apduComplexAck         = 3
	apduSegmentAck         = 4
	apduError              = 5
	apduReject             = 6
	apduAbort              = 7
)

// Unconfirmed service choices.
const (
	svcIAm                    = 0
	svcIHave                  = 1
	svcUnconfirmedCOV         = 2
	svcUnconfirmedEvent       = 3
	svcUnconfirmedPrivate     = 4
	svcUnconfirmedTextMessage = 5
	svcTimeSynchronization    = 6
	svcWhoHas                 = 7
	svcWhoIs                  = 8
	svcUTCTimeSynchronization = 9
)

var unconfirmedServiceNames = map[byte]string{
	svcIAm:                    "IAmRequest",
	svcIHave:                  "IHaveRequest",
	svcUnconfirmedCOV:         "UnconfirmedCOVNotificationRequest",
	svcUnconfirmedEvent:       "UnconfirmedEventNotificationRequest",
	svcUnconfirmedPrivate:     "UnconfirmedPrivateTransferRequest",
	svcUnconfirmedTextMessage: "UnconfirmedTextMessageRequest",
	svcTimeSynchronization:    "TimeSynchronizationRequest",
	svcWhoHas:                 "WhoHasRequest",
	svcWhoIs:                  "WhoIsRequest",
	svcUTCTimeSynchronization: "UTCTimeSynchronizationRequest",
}

var confirmedServiceNames = map[byte]string{
	0:  "AcknowledgeAlarmRequest",
	1:  "ConfirmedCOVNotificationRequest",
	2:  "ConfirmedEventNotificationRequest",
	3:  "GetAlarmSummaryRequest",
	4:  "GetEnrollmentSummaryRequest",
	5:  "SubscribeCOVRequest",
	6:  "AtomicReadFileRequest",
	7:  "AtomicWriteFileRequest",
	8:  "AddListElementRequest",
	9:  "RemoveListElementRequest",
	10: "CreateObjectRequest",
	11: "DeleteObjectRequest",
	12: "ReadPropertyRequest",
	13: "ReadPropertyConditionalRequest",
	14: "ReadPropertyMultipleRequest",
	15: "WritePropertyRequest",
	16: "WritePropertyMultipleRequest",
	17: "DeviceCommunicationControlRequest",
	18: "ConfirmedPrivateTransferRequest",
	19: "ConfirmedTextMessageRequest",
	20: "ReinitializeDeviceRequest",
	21: "VTOpenRequest",
	22: "VTCloseRequest",
	23: "VTDataRequest",
	24: "AuthenticateRequest",
	25: "RequestKeyRequest",
	26: "ReadRangeRequest",
	27: "LifeSafetyOperationRequest",
	28: "SubscribeCOVPropertyRequest",
	29: "GetEventInformationRequest",
}

var complexAckNames = map[byte]string{
	3:  "GetAlarmSummaryACK",
	4:  "GetEnrollmentSummaryACK",
	6:  "AtomicReadFileACK",
	7:  "AtomicWriteFileACK",
	10: "CreateObjectACK",
	12: "ReadPropertyACK",
	14: "ReadPropertyMultipleACK",
	18: "ConfirmedPrivateTransferACK",
	21: "VTOpenACK",
	23: "VTDataACK",
	26: "ReadRangeACK",
	29: "GetEventInformationACK",
}

var objectTypeNames = map[uint16]string{
	0:  "analog-input",
	1:  "analog-output",
	2:  "analog-value",
	3:  "binary-input",
	4:  "binary-output",
	5:  "binary-value",
	6:  "calendar",
	7:  "command",
	8:  "device",
	9:  "event-enrollment",
	10: "file",
	11: "group",
	12: "loop",
	13: "multi-state-input",
	14: "multi-state-output",
	15: "notification-class",
	16: "program",
	17: "schedule",
	18: "averaging",
	19: "multi-state-value",
	20: "trend-log",
	21: "life-safety-point",
	22: "life-safety-zone",
	23: "accumulator",
	24: "pulse-converter",
	25: "event-log",
	26: "global-group",
	27: "trend-log-multiple",
	28: "load-control",
	29: "structured-view",
	30: "access-door",
}

var eventTypeNames = map[uint32]string{
	0:  "change-of-bitstring",
	1:  "change-of-state",
	2:  "change-of-value",
	3:  "command-failure",
	4:  "floating-limit",
	5:  "out-of-range",
	6:  "complex-event-type",
	8:  "change-of-life-safety",
	9:  "extended",
	10: "buffer-ready",
	11: "unsigned-range",
}

var notifyTypeNames = map[uint32]string{
	0: "alarm",
	1: "event",
	2: "ack-notification",
}

var eventStateNames = map[uint32]string{
	0: "normal",
	1: "fault",
	2: "offnormal",
	3: "high-limit",
	4: "low-limit",
	5: "life-safety-alarm",
}

func objectTypeName(t uint16) string {
	if n, ok := objectTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("object-%d", t)
}

func enumName(table map[uint32]string, v uint32) string {
	if n, ok := table[v]; ok {
		return n
	}
	return fmt.Sprintf("%d", v)
}

// decodeAPDU classifies an application-layer PDU and returns the family key
// rendered with the already-lifted source address.
func decodeAPDU(raw []byte, src string) (string, *decodeError) {
	if len(raw) == 0 {
		return "", errKind(ErrAPDUDecode, "empty apdu")
	}

	switch raw[0] >> 4 {
	case apduConfirmedRequest:
		return decodeConfirmedRequest(raw, src)
	case apduUnconfirmedRequest:
		return decodeUnconfirmedRequest(raw, src)
	case apduSimpleAck:
		return "SimpleAckPDU," + src, nil
	case apduComplexAck:
		return decodeComplexAck(raw, src)
	case apduSegmentAck:
		return "SegmentAckPDU," + src, nil
	case apduError:
		return decodeErrorPDU(raw, src)
	case apduReject:
		return "RejectPDU," + src, nil
	case apduAbort:
		return "AbortPDU," + src, nil
	}
	// Unreachable: the nibble covers 0-7. Kept for defense against future
	// table edits.
	return "", errKind(ErrUnknownAPDUType, "%d", raw[0]>>4)
}

func decodeConfirmedRequest(raw []byte, src string) (string, *decodeError) {
	segmented := raw[0]&0x08 != 0
	headerLen := 4 // flags, max segs/resp, invoke id, service
	if segmented {
		headerLen = 6 // plus sequence number and window size
	}
	if len(raw) < headerLen {
		return "", errKind(ErrAPDUDecode, "truncated confirmed request")
	}
	service := raw[headerLen-1]
	name, ok := confirmedServiceNames[service]
	if !ok {
		return "", errKind(ErrUnknownAPDUType, "confirmed service %d", service)
	}
	return name + "," + src, nil
}

func decodeComplexAck(raw []byte, src string) (string, *decodeError) {
	segmented := raw[0]&0x08 != 0
	headerLen := 3 // flags, invoke id, service
	if segmented {
		headerLen = 5
	}
	if len(raw) < headerLen {
		return "", errKind(ErrAPDUDecode, "truncated complex ack")
	}
	service := raw[headerLen-1]
	name, ok := complexAckNames[service]
	if !ok {
		return "", errKind(ErrUnknownAPDUType, "complex ack service %d", service)
	}
	return name + "," + src, nil
}

func decodeErrorPDU(raw []byte, src string) (string, *decodeError) {
	if len(raw) < 3 {
		return "", errKind(ErrAPDUDecode, "truncated error pdu")
	}
	service := raw[2]
	if name, ok := confirmedServiceNames[service]; ok {
		return name + "Error," + src, nil
	}
	return "ErrorPDU," + src, nil
}

func decodeUnconfirmedRequest(raw []byte, src string) (string, *decodeError) {
	if len(raw) < 2 {
		return "", errKind(ErrAPDUDecode, "truncated unconfirmed request")
	}
	service := raw[1]
	name, ok := unconfirmedServiceNames[service]
	if !ok {
		return "", errKind(ErrUnknownAPDUType, "unconfirmed service %d", service)
	}

	key := name + "," + src
	params := raw[2:]

	var derr *decodeError
	switch service {
	case svcWhoIs:
		key, derr = whoIsKey(key, params)
	case svcIAm:
		key, derr = iAmKey(key, params)
	case svcWhoHas:
		key, derr = whoHasKey(key, params)
	case svcIHave:
		key, derr = iHaveKey(key, params)
	case svcUnconfirmedEvent:
		key, derr = eventNotificationKey(key, params)
	case svcUnconfirmedCOV:
		key, derr = covNotificationKey(key, params)
	}
	if derr != nil {
		return "", derr
	}
	return key, nil
}

// whoIsKey appends the device instance range limits, `*` when open.
func whoIsKey(key string, params []byte) (string, *decodeError) {
	r := &tagReader{data: params}
	low, high := "*", "*"
	for !r.atEnd() {
		t, err := r.next()
		if err != nil {
			return "", errKind(ErrAPDUDecode, "who-is: %v", err)
		}
		if t.Class != TagClassContext {
			continue
		}
		switch t.Number {
		case 0:
			low = fmt.Sprintf("%d", t.unsigned())
		case 1:
			high = fmt.Sprintf("%d", t.unsigned())
		}
	}
	return key + "," + low + "," + high, nil
}

// iAmKey appends the announcing device instance.
func iAmKey(key string, params []byte) (string, *decodeError) {
	r := &tagReader{data: params}
	t, err := r.next()
	if err != nil || t.Class != TagClassApplication || t.Number != TagObjectID {
		return "", errKind(ErrAPDUDecode, "i-am: missing device identifier")
	}
	_, instance := t.objectID()
	return fmt.Sprintf("%s,%d", key, instance), nil
}

// whoHasKey appends the requested object identifier or `*`, then the
// requested object name or `*`.
func whoHasKey(key string, params []byte) (string, *decodeError) {
	r := &tagReader{data: params}
	objPart, namePart := "*", "*"
	for !r.atEnd() {
		t, err := r.next()
		if err != nil {
			return "", errKind(ErrAPDUDecode, "who-has: %v", err)
		}
		if t.Class != TagClassContext {
			continue
		}
		switch t.Number {
		case 2:
			objType, instance := t.objectID()
			objPart = fmt.Sprintf("%s,%d", objectTypeName(objType), instance)
		case 3:
			namePart = t.characterString()
		}
	}
	return key + "," + objPart + "," + namePart, nil
}

// iHaveKey appends device identifier, object identifier and object name.
func iHaveKey(key string, params []byte) (string, *decodeError) {
	r := &tagReader{data: params}

	dev, err := r.next()
	if err != nil || dev.Number != TagObjectID {
		return "", errKind(ErrAPDUDecode, "i-have: missing device identifier")
	}
	obj, err := r.next()
	if err != nil || obj.Number != TagObjectID {
		return "", errKind(ErrAPDUDecode, "i-have: missing object identifier")
	}
	name, err := r.next()
	if err != nil || name.Number != TagCharacterString {
		return "", errKind(ErrAPDUDecode, "i-have: missing object name")
	}

	devType, devInstance := dev.objectID()
	objType, objInstance := obj.objectID()
	return fmt.Sprintf("%s,%s,%d,%s,%d,%s", key,
		objectTypeName(devType), devInstance,
		objectTypeName(objType), objInstance,
		name.characterString()), nil
}

// eventNotificationKey appends the event type, and for alarm notifications
// and state changes also the notify type and state transition.
func eventNotificationKey(key string, params []byte) (string, *decodeError) {
	r := &tagReader{data: params}

	var (
		eventType  = "*"
		notifyType string
		fromState  string
		toState    string
	)

	for !r.atEnd() {
		t, err := r.next()
		if err != nil {
			return "", errKind(ErrAPDUDecode, "event notification: %v", err)
		}
		if t.Class != TagClassContext {
			continue
		}
		if t.Opening {
			if err := r.skipConstructed(); err != nil {
				return "", errKind(ErrAPDUDecode, "event notification: %v", err)
			}
			continue
		}
		switch t.Number {
		case 6:
			eventType = enumName(eventTypeNames, t.unsigned())
		case 8:
			notifyType = enumName(notifyTypeNames, t.unsigned())
		case 10:
			fromState = enumName(eventStateNames, t.unsigned())
		case 11:
			toState = enumName(eventStateNames, t.unsigned())
		}
	}

	key += "," + eventType
	switch eventType {
	case "buffer-ready", "ack-notification":
		// No transition detail for these.
	default:
		if notifyType == "alarm" || (notifyType == "event" && eventType == "change-of-state") {
			key += fmt.Sprintf(",%s,%s,%s,%s", notifyType, eventType, fromState, toState)
		}
	}
	return key, nil
}

// covNotificationKey appends the monitored object identifier.
func covNotificationKey(key string, params []byte) (string, *decodeError) {
	r := &tagReader{data: params}
	for !r.atEnd() {
		t, err := r.next()
		if err != nil {
			return "", errKind(ErrAPDUDecode, "cov notification: %v", err)
		}
		if t.Class != TagClassContext {
			continue
		}
		if t.Opening {
			if err := r.skipConstructed(); err != nil {
				return "", errKind(ErrAPDUDecode, "cov notification: %v", err)
			}
			continue
		}
		if t.Number == 2 {
			objType, instance := t.objectID()
			return fmt.Sprintf("%s,%s,%d", key, objectTypeName(objType), instance), nil
		}
	}
	return "", errKind(ErrAPDUDecode, "cov notification: missing monitored object")
}
