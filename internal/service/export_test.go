package service

import "os"

// LogFile exposes the open log file so tests can fail it underneath the
// store.
func (s *StoreService) LogFile() *os.File {
	return s.log.file
}
