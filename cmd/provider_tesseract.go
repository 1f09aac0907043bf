//go:build tesseract

package main

import (
	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/recognition/tesseract"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
)

func newTesseractProvider(objects storage.Storage, languages []string) (recognition.Provider, error) {
	return tesseract.NewProvider(objects, languages), nil
}
