//go:build !linux

package proc

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	return nil
}
