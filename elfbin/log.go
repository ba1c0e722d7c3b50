package elfbin

import (
	"io/ioutil"
	"log"
	"os"
)

// PrintDebugInfo gates verbose ELF-loading diagnostics, mirroring wagon's
// wasm.PrintDebugInfo / validate.PrintDebugInfo package-level toggles.
var PrintDebugInfo = false

var logger *log.Logger

func init() {
	w := ioutil.Discard
	if PrintDebugInfo {
		w = os.Stderr
	}
	logger = log.New(w, "elfbin: ", log.Lshortfile)
}

// SetDebugMode reconfigures the logger's output at runtime, since the
// package-level var alone is only read at init time.
func SetDebugMode(v bool) {
	PrintDebugInfo = v
	w := ioutil.Discard
	if v {
		w = os.Stderr
	}
	logger.SetOutput(w)
}
