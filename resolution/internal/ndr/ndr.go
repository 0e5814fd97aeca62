package ndr

import (
	"strings"

	"shipping-ndr-rto-resolution-system/shared/events"

	"shipping-ndr-rto-resolution-system/resolution/internal/models"
)

var failureTransitions = map[string]map[string]string{
	models.StatusDetected: {
		models.StatusInResolution: events.EventActionExecuted,
		models.StatusResolved:     events.EventFailureResolved,
		models.StatusEscalated:    events.EventFailureEscalated,
	},
	models.StatusInResolution: {
		models.StatusResolved:  events.EventFailureResolved,
		models.StatusEscalated: events.EventFailureEscalated,
	},
	models.StatusEscalated: {
		models.StatusRTOTriggered: events.EventRTOTriggered,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := failureTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := failureTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// Open reports whether a failure event is still being worked on.
func Open(status string) bool {
	status = NormalizeStatus(status)
	return status == models.StatusDetected || status == models.StatusInResolution
}

func AllStatuses() []string {
	return []string{
		models.StatusDetected,
		models.StatusInResolution,
		models.StatusResolved,
		models.StatusEscalated,
		models.StatusRTOTriggered,
	}
}
