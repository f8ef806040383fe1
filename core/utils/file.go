package utils

import (
	"errors"
	"os"
)

func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}
