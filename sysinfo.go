package nicoscache

import (
	"encoding/json"
	"os"
	"runtime"

	"github.com/facebookgo/stackerr"

	"github.com/frm2/nicoscache/protocol"
)

const SysInfoKey = "sysinfo/cache"

// sysInfo describes server process for monitoring clients.
func sysInfo() (string, error) {
	info := map[string]interface{}{
		"pid":     os.Getpid(),
		"version": runtime.Version(),
		"started": protocol.Now(),
	}
	if host, err := os.Hostname(); err == nil {
		info["hostname"] = host
	}
	if exe, err := os.Executable(); err == nil {
		info["executable"] = exe
	}
	data, err := json.Marshal(info)
	return string(data), stackerr.Wrap(err)
}
