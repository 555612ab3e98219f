// Package sip implements the SIP transaction and dialog layers of
// RFC 3261 on top of a pluggable message transport.
//
// The package consumes pre-parsed requests and responses. Message
// syntax (header grammar, SDP) stays outside, behind the
// [MessageCodec] boundary.
//
// The transaction layer ([TransactionManager]) runs the four state
// machines of RFC 3261 section 17 and hides retransmission and
// timeout mechanics behind a request/response API. The dialog layer
// ([DialogManager]) consumes the transaction event stream and tracks
// call legs per RFC 3261 section 12.
package sip
