//go:build linux

package metrics

import "syscall"

func fillDisk(path string, s *Snapshot) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if total == 0 || free > total {
		return
	}
	s.DiskTotal = total
	s.DiskUsed = total - free
	s.DiskPercent = float64(s.DiskUsed) / float64(total) * 100
}
