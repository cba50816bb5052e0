package domain

import "strings"

// TaskStatus enumerates the normalized generation task states.
type TaskStatus string

const (
	TaskStatusGenerating TaskStatus = "GENERATING"
	TaskStatusSuccess    TaskStatus = "SUCCESS"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// NormalizeTaskStatus maps a provider status onto the three states the
// lifecycle understands. Anything that is neither GENERATING nor SUCCESS is a
// failure.
func NormalizeTaskStatus(raw string) TaskStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(TaskStatusGenerating):
		return TaskStatusGenerating
	case string(TaskStatusSuccess):
		return TaskStatusSuccess
	default:
		return TaskStatusFailed
	}
}

// Terminal reports whether polling should stop once this status is observed.
func (s TaskStatus) Terminal() bool {
	return s != TaskStatusGenerating
}

// Size is the aspect-ratio tag accepted by the generation provider.
type Size string

const (
	SizeSquare    Size = "1:1"
	SizeLandscape Size = "3:2"
	SizePortrait  Size = "2:3"

	DefaultSize = SizeSquare
)

// ParseSize validates an aspect-ratio tag. An empty value yields DefaultSize.
func ParseSize(raw string) (Size, bool) {
	switch Size(strings.TrimSpace(raw)) {
	case "":
		return DefaultSize, true
	case SizeSquare:
		return SizeSquare, true
	case SizeLandscape:
		return SizeLandscape, true
	case SizePortrait:
		return SizePortrait, true
	default:
		return "", false
	}
}

const (
	// MaxReferenceImages bounds how many reference images one submission may carry.
	MaxReferenceImages = 5
	// MinTurnstileTokenLength is a sanity bound only; verification happens upstream.
	MinTurnstileTokenLength = 10
	// FreeMaxCredits caps the anonymous usage counter.
	FreeMaxCredits = 3
)

// Task is one outstanding or completed image-generation request.
type Task struct {
	TaskID          string
	Status          TaskStatus
	Prompt          string
	ReferenceImages []string
	Size            Size
	ResultURL       string
	ErrorMessage    string
}

// IsRemoteURL reports whether an image reference is already reachable by the
// provider and can skip re-hosting.
func IsRemoteURL(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
