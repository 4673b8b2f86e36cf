package service

import (
	"sync"

	"github.com/noah-isme/dissertation-eval-api/internal/observability"
)

// AdmissionController bounds how many evaluation sessions run at once. Every
// successful TryAcquire must be paired with exactly one Release.
type AdmissionController struct {
	mu     sync.Mutex
	active int
	max    int
}

// NewAdmissionController creates a controller with max slots. Non-positive values default to 3.
func NewAdmissionController(max int) *AdmissionController {
	if max <= 0 {
		max = 3
	}
	observability.SessionsActive().Set(0)
	return &AdmissionController{max: max}
}

// TryAcquire takes a slot when one is free.
func (a *AdmissionController) TryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active >= a.max {
		return false
	}
	a.active++
	observability.SessionsActive().Set(float64(a.active))
	return true
}

// Release returns a slot. The count never drops below zero.
func (a *AdmissionController) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active > 0 {
		a.active--
	}
	observability.SessionsActive().Set(float64(a.active))
}

// ActiveCount returns the number of occupied slots.
func (a *AdmissionController) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Max returns the configured slot limit.
func (a *AdmissionController) Max() int {
	return a.max
}
