//go:build linux

package hotkey

/*
#cgo pkg-config: x11
#include <X11/Xlib.h>
#include <X11/keysym.h>
#include <stdlib.h>

static Display* displayPtr = NULL;

static int openDisplay() {
    if (displayPtr == NULL) {
        displayPtr = XOpenDisplay(NULL);
    }
    return displayPtr != NULL;
}

static int keycodeFor(const char* name) {
    KeySym sym = XStringToKeysym(name);
    if (sym == NoSymbol) return 0;
    return XKeysymToKeycode(displayPtr, sym);
}

// Grab with and without Caps Lock and Num Lock so they do not mask the hotkey
static void grabKey(int keycode, unsigned int modifiers, int grab) {
    Window root = DefaultRootWindow(displayPtr);
    unsigned int extra[4] = {0, LockMask, Mod2Mask, LockMask | Mod2Mask};
    for (int i = 0; i < 4; i++) {
        if (grab) {
            XGrabKey(displayPtr, keycode, modifiers | extra[i], root, False, GrabModeAsync, GrabModeAsync);
        } else {
            XUngrabKey(displayPtr, keycode, modifiers | extra[i], root);
        }
    }
    if (grab) {
        XSelectInput(displayPtr, root, KeyPressMask | KeyReleaseMask);
    }
    XSync(displayPtr, False);
}

static int checkEvent(int* keycode, unsigned int* state, int* pressed) {
    while (XPending(displayPtr) > 0) {
        XEvent event;
        XNextEvent(displayPtr, &event);
        if (event.type == KeyPress || event.type == KeyRelease) {
            *keycode = event.xkey.keycode;
            *state = event.xkey.state;
            *pressed = (event.type == KeyPress) ? 1 : 0;
            return 1;
        }
    }
    return 0;
}

static void closeDisplay() {
    if (displayPtr != NULL) {
        XCloseDisplay(displayPtr);
        displayPtr = NULL;
    }
}
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"
)

const (
	x11ShiftMask   = 1
	x11ControlMask = 4
	x11Mod1Mask    = 8  // Alt
	x11Mod4Mask    = 64 // Super

	x11RelevantMask = x11ShiftMask | x11ControlMask | x11Mod1Mask | x11Mod4Mask
)

func x11Modifiers(m Modifier) uint {
	var mods uint
	if m&ModShift != 0 {
		mods |= x11ShiftMask
	}
	if m&ModCtrl != 0 {
		mods |= x11ControlMask
	}
	if m&ModAlt != 0 {
		mods |= x11Mod1Mask
	}
	if m&ModSuper != 0 {
		mods |= x11Mod4Mask
	}
	return mods
}

// x11KeysymName maps a parsed key to its X keysym name
func x11KeysymName(key string) string {
	if strings.HasPrefix(key, "f") && len(key) > 1 {
		return "F" + key[1:]
	}
	return key
}

type grab struct {
	keycode  int
	mods     uint
	callback func(bool)
}

type linuxManager struct {
	// mu serialises Xlib calls between Register and the event loop
	mu    sync.Mutex
	grabs map[string]grab
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a new Linux hotkey manager using X11
func New() (Manager, error) {
	if C.openDisplay() == 0 {
		return nil, fmt.Errorf("%w: cannot open X display", ErrUnsupported)
	}
	mgr := &linuxManager{
		grabs: make(map[string]grab),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	go mgr.eventLoop()

	return mgr, nil
}

func (m *linuxManager) Register(accel string, callback func(pressed bool)) error {
	a, err := Parse(accel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := a.String()
	if _, ok := m.grabs[name]; ok {
		return fmt.Errorf("hotkey %s already registered", name)
	}

	cname := C.CString(x11KeysymName(a.Key))
	defer C.free(unsafe.Pointer(cname))
	keycode := int(C.keycodeFor(cname))
	if keycode == 0 {
		return fmt.Errorf("%w: no key code for %q", ErrInvalidAccel, a.Key)
	}

	mods := x11Modifiers(a.Mods)
	C.grabKey(C.int(keycode), C.uint(mods), 1)
	m.grabs[name] = grab{keycode: keycode, mods: mods, callback: callback}
	return nil
}

func (m *linuxManager) eventLoop() {
	defer close(m.done)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			var keycode, pressed C.int
			var state C.uint
			got := C.checkEvent(&keycode, &state, &pressed) != 0
			var cb func(bool)
			if got {
				for _, g := range m.grabs {
					if g.keycode == int(keycode) && g.mods == uint(state)&x11RelevantMask {
						cb = g.callback
						break
					}
				}
			}
			m.mu.Unlock()

			if cb != nil {
				cb(pressed == 1)
			}
		}
	}
}

func (m *linuxManager) Unregister(accel string) error {
	a, err := Parse(accel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := a.String()
	g, ok := m.grabs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	C.grabKey(C.int(g.keycode), C.uint(g.mods), 0)
	delete(m.grabs, name)
	return nil
}

func (m *linuxManager) Close() error {
	m.once.Do(func() {
		close(m.stop)
		<-m.done

		m.mu.Lock()
		defer m.mu.Unlock()
		for name, g := range m.grabs {
			C.grabKey(C.int(g.keycode), C.uint(g.mods), 0)
			delete(m.grabs, name)
		}
		C.closeDisplay()
	})
	return nil
}
