package health

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

type Checker interface {
	Check() error
}

// FunctionChecker adapts a function to the Checker interface.
type FunctionChecker func() error

func (f FunctionChecker) Check() error {
	return f()
}

type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}
