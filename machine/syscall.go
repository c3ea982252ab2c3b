package machine

import (
	"github.com/sirupsen/logrus"

	"github.com/ekliptik/qtrvsim/timing/pipeline"
)

// syscallHandler runs ecall as a Linux system call. The exit call stops
// the core.
type syscallHandler struct {
	machine *Machine
}

func (h *syscallHandler) HandleException(core *pipeline.Core, ctx *pipeline.ExceptionContext) bool {
	m := h.machine
	result := m.syscalls.Handle()
	if !result.Exited {
		return true
	}

	m.exited = true
	m.exitCode = result.ExitCode
	core.Logger().WithFields(logrus.Fields{
		"exit_code": result.ExitCode,
		"inst_addr": ctx.InstAddr,
	}).Debug("program called exit")
	return false
}
