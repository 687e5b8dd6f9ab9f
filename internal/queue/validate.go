package queue

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/garyjia/attachment-queue/internal/domain/entity"
)

// ValidateDescriptor checks an enqueue request before it touches the store
func ValidateDescriptor(desc entity.AttachmentDescriptor) error {
	if strings.TrimSpace(desc.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrDescriptorInvalid)
	}
	if strings.TrimSpace(desc.MessageID) == "" {
		return fmt.Errorf("%w: message_id is required", ErrDescriptorInvalid)
	}
	if strings.TrimSpace(desc.RemoteLocation) == "" {
		return fmt.Errorf("%w: remote_location is required", ErrDescriptorInvalid)
	}
	if !desc.Kind.IsValid() {
		return fmt.Errorf("%w: unsupported kind %q", ErrDescriptorInvalid, desc.Kind)
	}
	if err := validateDestination(desc.Destination); err != nil {
		return fmt.Errorf("%w: %v", ErrDescriptorInvalid, err)
	}
	return nil
}

// Destinations are relative to the storage root and may not escape it.
func validateDestination(dest string) error {
	if strings.TrimSpace(dest) == "" {
		return fmt.Errorf("destination is required")
	}

	slashed := filepath.ToSlash(dest)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(dest) {
		return fmt.Errorf("destination must be relative: %s", dest)
	}

	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return fmt.Errorf("destination escapes storage root: %s", dest)
		}
	}

	if cleaned := path.Clean(slashed); cleaned == "." {
		return fmt.Errorf("destination must name a file: %s", dest)
	}

	return nil
}
