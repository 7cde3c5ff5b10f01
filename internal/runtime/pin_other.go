//go:build !linux

package runtime

func pinThread(int) error { return nil }
