//go:build !unix

package taskmgr

import "os"

func defaultSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
