//go:build !linux

package lsf

import "errors"

func loadAverages() (float64, float64, float64, error) {
	return 0, 0, 0, errors.New("lsf: load averages unsupported on this platform")
}
