package common

import (
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[linetap] ", log.LstdFlags|log.Lmicroseconds)
)

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}
