package audio

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// FindDevice returns the device with the given name, or nil when it is gone.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, nil
}

// SelectDevice presents an interactive microphone picker, starting on the
// device named current. With a single device it returns that one without prompting.
func SelectDevice(ctx Context, current string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no capture devices found")
	}

	if len(devices) == 1 {
		return &devices[0], nil
	}

	cursor := 0
	for i, d := range devices {
		if d.Name == current {
			cursor = i
		}
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	renderList := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Select microphone (↑/↓, Enter to confirm, Esc for default):\r\n\r\n")
		for i, d := range devices {
			tag := ""
			if IsBluetooth(d.Name) {
				tag = " \x1b[33m[bluetooth: narrowband while capturing]\x1b[0m"
			}
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
			} else {
				fmt.Printf("    %s%s\r\n", d.Name, tag)
			}
		}
	}

	renderList()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		switch {
		case n == 1 && buf[0] == 13: // Enter
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case n == 1 && buf[0] == 27: // Esc
			fmt.Print("\r\n")
			return nil, nil
		case n == 1 && buf[0] == 3: // Ctrl+C
			fmt.Print("\r\n")
			return nil, fmt.Errorf("device selection interrupted")
		case n == 1 && buf[0] == 'j', n == 3 && buf[0] == 0x1b && buf[2] == 'B':
			if cursor < len(devices)-1 {
				cursor++
			}
		case n == 1 && buf[0] == 'k', n == 3 && buf[0] == 0x1b && buf[2] == 'A':
			if cursor > 0 {
				cursor--
			}
		}

		fmt.Printf("\x1b[%dA", len(devices)+2)
		renderList()
	}
}
