package store

import (
	"fmt"
	"unicode/utf8"
)

// Field constraints for task content. Enforced at the boundaries (HTTP
// handlers, sync apply loop) before a write reaches the store.
const (
	TitleMin       = 3
	TitleMax       = 255
	DescriptionMin = 5
	DescriptionMax = 5000
)

// ValidateTitle checks the title length constraint.
func ValidateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n < TitleMin {
		return fmt.Errorf("title must be at least %d characters", TitleMin)
	}
	if n > TitleMax {
		return fmt.Errorf("title must be at most %d characters", TitleMax)
	}
	return nil
}

// ValidateDescription checks the description length constraint.
func ValidateDescription(description string) error {
	n := utf8.RuneCountInString(description)
	if n < DescriptionMin {
		return fmt.Errorf("description must be at least %d characters", DescriptionMin)
	}
	if n > DescriptionMax {
		return fmt.Errorf("description must be at most %d characters", DescriptionMax)
	}
	return nil
}
