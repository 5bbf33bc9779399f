//go:build darwin

package permissions

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int micAuthorizationStatus() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void micRequestAccess() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import (
	"context"
	"errors"
	"time"
)

const (
	statusNotDetermined = 0
	statusRestricted    = 1
	statusDenied        = 2
	statusAuthorized    = 3
)

var (
	errDenied     = errors.New("microphone access denied in System Settings")
	errRestricted = errors.New("microphone access restricted by policy")
)

// RequestMicrophone returns nil once microphone access is authorized. If the
// user has not decided yet it shows the system prompt and waits for an answer
// or for ctx to end.
func RequestMicrophone(ctx context.Context) error {
	switch int(C.micAuthorizationStatus()) {
	case statusAuthorized:
		return nil
	case statusDenied:
		return errDenied
	case statusRestricted:
		return errRestricted
	}

	C.micRequestAccess()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch int(C.micAuthorizationStatus()) {
			case statusAuthorized:
				return nil
			case statusDenied:
				return errDenied
			case statusRestricted:
				return errRestricted
			}
		}
	}
}
