package document

import (
	"context"
	"errors"
	"log"
	"os"
)

// TextExtractor turns a stored file into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// SetExtractor sets the extractor used by IngestFile.
func (s *Service) SetExtractor(e TextExtractor) {
	s.mu.Lock()
	s.extractor = e
	s.mu.Unlock()
}

// IngestFile extracts the text of a saved upload, stores its chunks and
// removes the file whatever the outcome.
func (s *Service) IngestFile(ctx context.Context, sessionID, docID, path string) (int, error) {
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove upload %s failed: %v", path, err)
		}
	}()

	s.mu.Lock()
	extractor := s.extractor
	s.mu.Unlock()
	if extractor == nil {
		return 0, errors.New("text extractor missing")
	}
	text, err := extractor.Extract(ctx, path)
	if err != nil {
		return 0, err
	}
	return s.EmbedAndStore(ctx, sessionID, text, docID)
}
