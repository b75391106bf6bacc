//go:build !linux

package metrics

// fillDisk is a no-op where statfs is not available in this form.
func fillDisk(string, *Snapshot) {}
