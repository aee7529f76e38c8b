//go:build windows

package provider

import (
	"os"
	"os/exec"
	"strconv"
)

func setupProcessGroup(cmd *exec.Cmd) {}

// killTree terminates the child and everything it spawned
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	return kill.Run()
}

func exitSignal(ps *os.ProcessState) string { return "" }
