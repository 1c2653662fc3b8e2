package sstable

import "os"

func readAll(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeAll(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}
