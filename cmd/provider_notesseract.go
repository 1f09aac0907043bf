//go:build !tesseract

package main

import (
	"fmt"

	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
)

func newTesseractProvider(storage.Storage, []string) (recognition.Provider, error) {
	return nil, fmt.Errorf("tesseract provider is not compiled in, rebuild with -tags tesseract")
}
