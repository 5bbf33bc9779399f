package audio

import "errors"

var (
	// ErrPermissionDenied means the user or platform refused the capture request
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable means the selected device does not exist or could not be opened.
	// It is retryable.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrEnumeration means the platform device query failed
	ErrEnumeration = errors.New("failed to enumerate audio devices")
	// ErrGraphBuild means the processing graph could not be wired
	ErrGraphBuild = errors.New("failed to build capture graph")
	// ErrCanceled means the operation was abandoned before it completed
	ErrCanceled = errors.New("capture operation canceled")
)
