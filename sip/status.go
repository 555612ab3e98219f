package sip

import (
	"log/slog"
	"strconv"
)

// ResponseStatus represents a SIP response status code.
type ResponseStatus int

const (
	ResponseStatusTrying          ResponseStatus = 100
	ResponseStatusRinging         ResponseStatus = 180
	ResponseStatusSessionProgress ResponseStatus = 183

	ResponseStatusOK       ResponseStatus = 200
	ResponseStatusAccepted ResponseStatus = 202

	ResponseStatusBadRequest          ResponseStatus = 400
	ResponseStatusNotFound            ResponseStatus = 404
	ResponseStatusRequestTimeout      ResponseStatus = 408
	ResponseStatusTransactionNotExist ResponseStatus = 481
	ResponseStatusBusyHere            ResponseStatus = 486
	ResponseStatusRequestTerminated   ResponseStatus = 487

	ResponseStatusServerInternalError ResponseStatus = 500
	ResponseStatusServiceUnavailable  ResponseStatus = 503
)

// IsProvisional reports whether the status is in the 1xx class.
func (s ResponseStatus) IsProvisional() bool { return s >= 100 && s < 200 }

// IsSuccessful reports whether the status is in the 2xx class.
func (s ResponseStatus) IsSuccessful() bool { return s >= 200 && s < 300 }

// IsRedirection reports whether the status is in the 3xx class.
func (s ResponseStatus) IsRedirection() bool { return s >= 300 && s < 400 }

// IsFinal reports whether the status is a final status (2xx-6xx).
func (s ResponseStatus) IsFinal() bool { return s >= 200 && s < 700 }

// IsValid reports whether the status is within the SIP status range.
func (s ResponseStatus) IsValid() bool { return s >= 100 && s < 700 }

// Reason returns the default reason phrase for the status.
func (s ResponseStatus) Reason() string {
	switch s {
	case ResponseStatusTrying:
		return "Trying"
	case ResponseStatusRinging:
		return "Ringing"
	case ResponseStatusSessionProgress:
		return "Session Progress"
	case ResponseStatusOK:
		return "OK"
	case ResponseStatusAccepted:
		return "Accepted"
	case ResponseStatusBadRequest:
		return "Bad Request"
	case ResponseStatusNotFound:
		return "Not Found"
	case ResponseStatusRequestTimeout:
		return "Request Timeout"
	case ResponseStatusTransactionNotExist:
		return "Call/Transaction Does Not Exist"
	case ResponseStatusBusyHere:
		return "Busy Here"
	case ResponseStatusRequestTerminated:
		return "Request Terminated"
	case ResponseStatusServerInternalError:
		return "Server Internal Error"
	case ResponseStatusServiceUnavailable:
		return "Service Unavailable"
	default:
		switch {
		case s.IsProvisional():
			return "Provisional"
		case s.IsSuccessful():
			return "Success"
		case s.IsRedirection():
			return "Redirection"
		case s < 500:
			return "Client Error"
		case s < 600:
			return "Server Error"
		default:
			return "Global Failure"
		}
	}
}

func (s ResponseStatus) String() string {
	return strconv.Itoa(int(s)) + " " + s.Reason()
}

// LogValue implements [slog.LogValuer].
func (s ResponseStatus) LogValue() slog.Value { return slog.StringValue(s.String()) }
