package raft

import "os"

func openForAppendTest(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
}
