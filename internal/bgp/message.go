package bgp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	packet "github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// -------------------------------------------------------------------------
// Message Codec Adapter
// -------------------------------------------------------------------------
//
// The state machine never touches wire bytes: framing and parsing live in
// internal/netio on top of the gobgp packet codec, and this file holds the
// small amount of message construction and Open validation the FSM needs.

// minHoldTime is the smallest nonzero hold time RFC 4271 Section 4.2
// permits an implementation to accept. Zero disables the hold timer.
const minHoldTime = 3 * time.Second

// newOpenMessage builds the Open message advertised to the peer. AS
// numbers above 16 bits go on the wire as AS_TRANS with the real value in
// the four-octet AS capability.
func newOpenMessage(localAS uint32, holdTime time.Duration, routerID netip.Addr) *packet.BGPMessage {
	wireAS := uint16(packet.AS_TRANS)
	if localAS <= 0xffff {
		wireAS = uint16(localAS)
	}

	caps := []packet.ParameterCapabilityInterface{
		packet.NewCapRouteRefresh(),
		packet.NewCapFourOctetASNumber(localAS),
	}

	return packet.NewBGPOpenMessage(
		wireAS,
		uint16(holdTime/time.Second),
		routerID.String(),
		[]packet.OptionParameterInterface{packet.NewOptionParameterCapability(caps)},
	)
}

// newKeepaliveMessage builds a Keepalive.
func newKeepaliveMessage() *packet.BGPMessage {
	return packet.NewBGPKeepAliveMessage()
}

// newNotificationMessage builds a Notification with the given code/subcode.
func newNotificationMessage(code, subcode uint8, data []byte) *packet.BGPMessage {
	return packet.NewBGPNotificationMessage(code, subcode, data)
}

// OpenError describes why a received Open was rejected, carrying the
// notification code/subcode to send back.
type OpenError struct {
	Subcode uint8
	Reason  string
}

func (e *OpenError) Error() string {
	return e.Reason
}

// openIdentifier extracts the peer's BGP identifier from an Open body.
// Returns zero if the field is not a valid IPv4 address.
func openIdentifier(open *packet.BGPOpen) uint32 {
	ip := open.ID.To4()
	if ip == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip)
}

// openPeerAS returns the peer AS advertised in the Open, preferring the
// four-octet AS capability over the two-octet header field.
func openPeerAS(open *packet.BGPOpen) uint32 {
	for _, p := range open.OptParams {
		param, ok := p.(*packet.OptionParameterCapability)
		if !ok {
			continue
		}
		for _, c := range param.Capability {
			if cap4, ok := c.(*packet.CapFourOctetASNumber); ok {
				return cap4.CapValue
			}
		}
	}
	return uint32(open.MyAS)
}

// validateOpen checks the negotiated parameters of a received Open against
// the peer configuration. A nil return means the Open is acceptable; a
// non-nil *OpenError names the Open-message-error subcode to send.
func validateOpen(open *packet.BGPOpen, expectedAS uint32, localID uint32) *OpenError {
	if open.Version != 4 {
		return &OpenError{
			Subcode: uint8(packet.BGP_ERROR_SUB_UNSUPPORTED_VERSION_NUMBER),
			Reason:  fmt.Sprintf("unsupported version %d", open.Version),
		}
	}

	peerAS := openPeerAS(open)
	if expectedAS != 0 && peerAS != expectedAS {
		return &OpenError{
			Subcode: uint8(packet.BGP_ERROR_SUB_BAD_PEER_AS),
			Reason:  fmt.Sprintf("peer AS %d, expected %d", peerAS, expectedAS),
		}
	}

	// RFC 4271 Section 4.2: hold time is zero or at least three seconds.
	if open.HoldTime != 0 && open.HoldTime < uint16(minHoldTime/time.Second) {
		return &OpenError{
			Subcode: uint8(packet.BGP_ERROR_SUB_UNACCEPTABLE_HOLD_TIME),
			Reason:  fmt.Sprintf("unacceptable hold time %d", open.HoldTime),
		}
	}

	remoteID := openIdentifier(open)
	if remoteID == 0 {
		return &OpenError{
			Subcode: uint8(packet.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER),
			Reason:  "bgp identifier is zero or not IPv4",
		}
	}
	if remoteID == localID {
		return &OpenError{
			Subcode: uint8(packet.BGP_ERROR_SUB_BAD_BGP_IDENTIFIER),
			Reason:  "peer advertises our own bgp identifier",
		}
	}

	return nil
}

// negotiateHoldTime derives the effective hold time as the minimum of the
// locally configured and peer-advertised values. Zero on either side
// disables the hold timer entirely.
func negotiateHoldTime(local time.Duration, peerSeconds uint16) time.Duration {
	peer := time.Duration(peerSeconds) * time.Second
	if local == 0 || peer == 0 {
		return 0
	}
	return min(local, peer)
}

// ClassifyParseError maps a codec parse failure to the notification
// code/subcode/data to send, per RFC 4271 Section 6. Unrecognized error
// shapes fall back to a message-header error.
func ClassifyParseError(err error) (code, subcode uint8, data []byte, reason string) {
	var merr *packet.MessageError
	if errors.As(err, &merr) {
		return merr.TypeCode, merr.SubTypeCode, merr.Data, merr.Message
	}
	return uint8(packet.BGP_ERROR_MESSAGE_HEADER_ERROR),
		uint8(packet.BGP_ERROR_SUB_CONNECTION_NOT_SYNCHRONIZED),
		nil, err.Error()
}
