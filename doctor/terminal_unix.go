//go:build !windows

package doctor

import "os/exec"

// resetTerminal undoes raw mode left behind by an earlier picker or crash.
func resetTerminal() {
	exec.Command("stty", "sane").Run()
}
