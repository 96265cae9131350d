//go:build !linux && !darwin && !freebsd

package metrics

func readUsage() (Usage, bool) { return Usage{}, false }
