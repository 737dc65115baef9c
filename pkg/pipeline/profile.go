package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vectornorth/npud-offload/pkg/executable"
)

// Profile dumps executable artifacts into a directory so the offline
// profiler can correlate them with npud's traces. Dump failures never fail
// an inference call.
type Profile struct {
	Dir    string
	OpName string

	once sync.Once
}

// mangle makes an op name filesystem-safe the way the profiler expects.
func mangle(name string) string {
	return strings.ReplaceAll(name, "/", "+")
}

// DumpExecutable writes the executable blob once per profile instance.
func (p *Profile) DumpExecutable(exe *executable.Executable) {
	if p == nil || p.Dir == "" {
		return
	}
	p.once.Do(func() {
		path := filepath.Join(p.Dir, mangle(p.OpName)+".bin")
		if err := os.WriteFile(path, exe.Bytes, 0644); err != nil {
			log.Warnf("cannot dump executable for profiling: %s", err)
		}
	})
}
