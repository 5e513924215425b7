package mutation

import "github.com/mesh-intelligence/almanac/pkg/types"

const fieldStatus, fieldCompletedAt = "status", "completedAt"

// createPolicy keeps a new task's completedAt consistent with its status:
// a COMPLETED task gets completedAt (now unless given), any other status
// must not carry one.
func (c *Coordinator) createPolicy(kind types.Kind, fields types.Fields) error {
	if kind != types.KindTask {
		return nil
	}
	_, hasCompletedAt := fields[fieldCompletedAt]
	if fields[fieldStatus] == types.TaskStatusCompleted {
		if !hasCompletedAt {
			fields[fieldCompletedAt] = c.now().UTC()
		}
		return nil
	}
	if hasCompletedAt {
		return &types.ValidationError{
			Kind:   kind,
			Field:  fieldCompletedAt,
			Reason: "only a COMPLETED task has a completion time",
		}
	}
	return nil
}

// updatePolicy derives completedAt from a status change. Moving to
// COMPLETED sets it to now; moving anywhere else clears it. completedAt
// cannot be changed on its own.
func (c *Coordinator) updatePolicy(kind types.Kind, fields types.Fields) error {
	if kind != types.KindTask {
		return nil
	}
	status, hasStatus := fields[fieldStatus]
	completedAt, hasCompletedAt := fields[fieldCompletedAt]
	if !hasStatus {
		if hasCompletedAt {
			return &types.ValidationError{
				Kind:   kind,
				Field:  fieldCompletedAt,
				Reason: "set by changing status",
			}
		}
		return nil
	}
	if status == types.TaskStatusCompleted {
		if !hasCompletedAt || completedAt == nil {
			fields[fieldCompletedAt] = c.now().UTC()
		}
		return nil
	}
	if hasCompletedAt && completedAt != nil {
		return &types.ValidationError{
			Kind:   kind,
			Field:  fieldCompletedAt,
			Reason: "only a COMPLETED task has a completion time",
		}
	}
	fields[fieldCompletedAt] = nil
	return nil
}
