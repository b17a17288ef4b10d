//go:build !windows

package main

import (
	"fmt"
	"os"
)

func runServiceMode() int {
	fmt.Fprintln(os.Stderr, "service mode is only available on Windows")
	return exitUnsupported
}

func runInstallService() int {
	fmt.Fprintln(os.Stderr, "service install is only available on Windows")
	return exitUnsupported
}

func runUninstallService() int {
	fmt.Fprintln(os.Stderr, "service uninstall is only available on Windows")
	return exitUnsupported
}
