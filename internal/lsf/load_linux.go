//go:build linux

package lsf

import "golang.org/x/sys/unix"

func loadAverages() (float64, float64, float64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, 0, 0, err
	}
	const loadScale = 65536.0
	return float64(si.Loads[0]) / loadScale,
		float64(si.Loads[1]) / loadScale,
		float64(si.Loads[2]) / loadScale,
		nil
}
