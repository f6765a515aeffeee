package status

import (
	"context"
	"fmt"
)

// Status is the state of the connection to the upload server, as shown to
// the host application.
type Status int

const (
	Ready Status = iota + 1
	Connected
	Disconnected
	Uploading
	UploadingFailed
	Unauthorized
)

// All lists every status.
// nolint:gochecknoglobals
var All = []Status{Ready, Connected, Disconnected, Uploading, UploadingFailed, Unauthorized}

func (s Status) String() string {
	switch s {
	case Ready:
		return "READY"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case Uploading:
		return "UPLOADING"
	case UploadingFailed:
		return "UPLOADING_FAILED"
	case Unauthorized:
		return "UNAUTHORIZED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Parse parses a status name.
func Parse(s string) (Status, error) {
	for _, status := range All {
		if status.String() == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

// Listener receives server status and upload progress. RecordsSent is called
// with -1 when a batch fails.
type Listener interface {
	UpdateServerStatus(ctx context.Context, s Status)
	UpdateRecordsSent(ctx context.Context, topic string, n int64)
}

// Nop is a listener that discards updates.
type Nop struct{}

// UpdateServerStatus does nothing.
func (Nop) UpdateServerStatus(context.Context, Status) {}

// UpdateRecordsSent does nothing.
func (Nop) UpdateRecordsSent(context.Context, string, int64) {}
