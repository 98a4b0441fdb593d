// Package gpu implements first-fit GPU device matching against a node's
// available GPU pool.
package gpu

import (
	"errors"

	"github.com/cc-warren/agency/pkg/types"
)

// ErrInsufficientGPUs is returned when the available pool cannot satisfy
// every requirement in order.
var ErrInsufficientGPUs = errors.New("gpu: insufficient devices")

// Match attempts to satisfy each requirement, in order, against available,
// removing a device from the pool as soon as it is claimed by an earlier
// requirement. It returns the claimed device ids in requirement order, or
// ErrInsufficientGPUs if any requirement cannot be satisfied by what
// remains.
func Match(requirements []types.GPURequirement, available []types.GPUDevice) ([]int, error) {
	pool := make([]types.GPUDevice, len(available))
	copy(pool, available)

	claimed := make([]int, 0, len(requirements))
	for _, req := range requirements {
		idx := -1
		for i, dev := range pool {
			if req.Sufficient(dev) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, ErrInsufficientGPUs
		}
		claimed = append(claimed, pool[idx].ID)
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return claimed, nil
}

// Sufficient reports whether available can satisfy every requirement,
// without mutating or reserving anything. Used by the scheduler to ask
// "could this node ever work" without committing a reservation.
func Sufficient(requirements []types.GPURequirement, available []types.GPUDevice) bool {
	_, err := Match(requirements, available)
	return err == nil
}

// Remove returns available with the given claimed ids removed, used to
// update an in-memory cluster snapshot after a successful placement.
func Remove(available []types.GPUDevice, claimed []int) []types.GPUDevice {
	claimedSet := make(map[int]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
	}
	out := make([]types.GPUDevice, 0, len(available))
	for _, d := range available {
		if !claimedSet[d.ID] {
			out = append(out, d)
		}
	}
	return out
}
