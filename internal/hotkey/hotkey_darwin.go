//go:build darwin

package hotkey

/*
#cgo LDFLAGS: -framework Carbon
#include <Carbon/Carbon.h>

#define MAX_HOTKEYS 32

extern void goHotkeyCallback(int id, int pressed);

static EventHotKeyRef hotkeyRefs[MAX_HOTKEYS];
static int handlerInstalled = 0;

static OSStatus hotkeyHandler(EventHandlerCallRef nextHandler, EventRef theEvent, void* userData) {
    EventHotKeyID hkID;
    GetEventParameter(theEvent, kEventParamDirectObject, typeEventHotKeyID, NULL, sizeof(hkID), NULL, &hkID);

    int pressed = (GetEventKind(theEvent) == kEventHotKeyPressed) ? 1 : 0;
    goHotkeyCallback((int)hkID.id, pressed);
    return noErr;
}

static int registerHotkey(int id, UInt32 keyCode, UInt32 modifiers) {
    if (id < 0 || id >= MAX_HOTKEYS) return 0;

    if (!handlerInstalled) {
        EventTypeSpec eventTypes[2];
        eventTypes[0].eventClass = kEventClassKeyboard;
        eventTypes[0].eventKind = kEventHotKeyPressed;
        eventTypes[1].eventClass = kEventClassKeyboard;
        eventTypes[1].eventKind = kEventHotKeyReleased;
        if (InstallApplicationEventHandler(NewEventHandlerUPP(hotkeyHandler), 2, eventTypes, NULL, NULL) != noErr) {
            return 0;
        }
        handlerInstalled = 1;
    }

    EventHotKeyID hkID;
    hkID.signature = 'mctp';
    hkID.id = id;
    OSStatus status = RegisterEventHotKey(keyCode, modifiers, hkID, GetApplicationEventTarget(), 0, &hotkeyRefs[id]);
    return (status == noErr) ? 1 : 0;
}

static void unregisterHotkey(int id) {
    if (id < 0 || id >= MAX_HOTKEYS || hotkeyRefs[id] == NULL) return;
    UnregisterEventHotKey(hotkeyRefs[id]);
    hotkeyRefs[id] = NULL;
}
*/
import "C"

import (
	"fmt"
	"sync"
)

const maxHotkeys = 32

// Carbon virtual key codes
var darwinKeyCodes = map[string]uint32{
	"a": 0x00, "s": 0x01, "d": 0x02, "f": 0x03, "h": 0x04, "g": 0x05, "z": 0x06, "x": 0x07,
	"c": 0x08, "v": 0x09, "b": 0x0B, "q": 0x0C, "w": 0x0D, "e": 0x0E, "r": 0x0F, "y": 0x10,
	"t": 0x11, "1": 0x12, "2": 0x13, "3": 0x14, "4": 0x15, "6": 0x16, "5": 0x17, "9": 0x19,
	"7": 0x1A, "8": 0x1C, "0": 0x1D, "o": 0x1F, "u": 0x20, "i": 0x22, "p": 0x23, "l": 0x25,
	"j": 0x26, "k": 0x28, "n": 0x2D, "m": 0x2E, "space": 0x31,
	"f1": 0x7A, "f2": 0x78, "f3": 0x63, "f4": 0x76, "f5": 0x60, "f6": 0x61,
	"f7": 0x62, "f8": 0x64, "f9": 0x65, "f10": 0x6D, "f11": 0x67, "f12": 0x6F,
}

// Carbon modifier masks
func darwinModifiers(m Modifier) uint32 {
	var mods uint32
	if m&ModSuper != 0 {
		mods |= 0x0100 // cmdKey
	}
	if m&ModShift != 0 {
		mods |= 0x0200 // shiftKey
	}
	if m&ModAlt != 0 {
		mods |= 0x0800 // optionKey
	}
	if m&ModCtrl != 0 {
		mods |= 0x1000 // controlKey
	}
	return mods
}

type darwinManager struct {
	mu        sync.Mutex
	ids       map[string]int
	callbacks [maxHotkeys]func(bool)
}

// Carbon calls back into Go without user data, so the active manager is global
var (
	globalMu      sync.Mutex
	globalManager *darwinManager
)

// New creates a new macOS hotkey manager using Carbon
func New() (Manager, error) {
	mgr := &darwinManager{ids: make(map[string]int)}
	globalMu.Lock()
	globalManager = mgr
	globalMu.Unlock()
	return mgr, nil
}

//export goHotkeyCallback
func goHotkeyCallback(id C.int, pressed C.int) {
	globalMu.Lock()
	m := globalManager
	globalMu.Unlock()
	if m == nil || id < 0 || int(id) >= maxHotkeys {
		return
	}

	m.mu.Lock()
	cb := m.callbacks[id]
	m.mu.Unlock()
	if cb != nil {
		cb(pressed == 1)
	}
}

func (m *darwinManager) Register(accel string, callback func(pressed bool)) error {
	a, err := Parse(accel)
	if err != nil {
		return err
	}
	keyCode, ok := darwinKeyCodes[a.Key]
	if !ok {
		return fmt.Errorf("%w: no key code for %q", ErrInvalidAccel, a.Key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := a.String()
	if _, ok := m.ids[name]; ok {
		return fmt.Errorf("hotkey %s already registered", name)
	}
	id := -1
	for i, cb := range m.callbacks {
		if cb == nil {
			id = i
			break
		}
	}
	if id < 0 {
		return fmt.Errorf("too many hotkeys registered")
	}

	if C.registerHotkey(C.int(id), C.UInt32(keyCode), C.UInt32(darwinModifiers(a.Mods))) == 0 {
		return fmt.Errorf("failed to register hotkey %s", name)
	}
	m.ids[name] = id
	m.callbacks[id] = callback
	return nil
}

func (m *darwinManager) Unregister(accel string) error {
	a, err := Parse(accel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregisterLocked(a.String())
}

func (m *darwinManager) unregisterLocked(name string) error {
	id, ok := m.ids[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	C.unregisterHotkey(C.int(id))
	delete(m.ids, name)
	m.callbacks[id] = nil
	return nil
}

func (m *darwinManager) Close() error {
	m.mu.Lock()
	for name := range m.ids {
		m.unregisterLocked(name)
	}
	m.mu.Unlock()

	globalMu.Lock()
	if globalManager == m {
		globalManager = nil
	}
	globalMu.Unlock()
	return nil
}
