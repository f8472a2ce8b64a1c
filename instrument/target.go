//go:build linux

package instrument

import (
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/ebpf-profiler/libpf/pfelf"
)

// inspectTarget resolves and examines the target executable. Inspection
// failures degrade symbol quality, not run validity, so only resolution
// errors are returned.
func inspectTarget(argv []string) (*TargetInfo, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("no target command")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("target command: %w", err)
	}
	info := &TargetInfo{Path: path}

	ef, err := pfelf.Open(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("target is not inspectable ELF")
		return info, nil
	}
	defer ef.Close()

	if id, err := ef.GetBuildID(); err == nil {
		info.BuildID = id
	}
	if v, err := ef.GoVersion(); err == nil {
		info.GoVersion = v
	}
	if _, err := ef.ReadSymbols(); err != nil {
		info.Stripped = true
		log.WithField("path", path).Warn("target binary is stripped, stacks will symbolize poorly")
	}
	return info, nil
}
