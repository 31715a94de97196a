package libjuice

import (
	"sync/atomic"

	"github.com/thesyncim/juice/internal/abi"
)

type atomicLogHandler struct {
	v atomic.Pointer[abi.LogHandler]
}

func (a *atomicLogHandler) Store(h abi.LogHandler) {
	if h == nil {
		a.v.Store(nil)
		return
	}
	a.v.Store(&h)
}

func (a *atomicLogHandler) Load() abi.LogHandler {
	if p := a.v.Load(); p != nil {
		return *p
	}
	return nil
}
