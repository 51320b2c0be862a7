/*
approval.go - Approval state machine for period values

STATES:
  ┌───────┐  submit   ┌───────────┐  approve  ┌──────────┐  lock  ┌────────┐
  │ DRAFT │ ────────▶ │ SUBMITTED │ ────────▶ │ APPROVED │ ─────▶ │ LOCKED │
  └───────┘           └───────────┘           └──────────┘        └────────┘
      ▲                     │
      └─────────────────────┘
          request changes

  - submit by an approver goes straight to APPROVED
  - save by an approver keeps SUBMITTED, and reverts APPROVED/LOCKED to DRAFT
  - LOCKED counts as approved for display

WHO MAY WRITE:
  Non-approvers may only write while the period is absent or DRAFT.
  Approvers may write through every state except LOCKED, which needs admin.

All functions here are pure: they inspect the previous row and mutate the
next one. Persistence happens in service.go.
*/
package kpi

import "time"

// checkWritable rejects writes the actor may not perform over prev.
func checkWritable(prev *ValuePeriod, actor Actor, approver bool) error {
	if prev == nil {
		return nil
	}
	switch prev.Status {
	case StatusSubmitted, StatusApproved, StatusLocked:
		if !approver {
			return newError(CodeKPIValueAlreadySubmitted, "value for this period is already %s", prev.Status)
		}
		if prev.Status == StatusLocked && !IsAdmin(actor) {
			return newError(CodePeriodLockedForApproval, "period is locked")
		}
	}
	return nil
}

// carryAudit copies the workflow fields of prev into next.
func carryAudit(next, prev *ValuePeriod) {
	if prev == nil {
		return
	}
	next.Status = prev.Status
	next.SubmittedBy, next.SubmittedAt = prev.SubmittedBy, prev.SubmittedAt
	next.ApprovedBy, next.ApprovedAt = prev.ApprovedBy, prev.ApprovedAt
	next.ChangesRequestedBy = prev.ChangesRequestedBy
	next.ChangesRequestedAt = prev.ChangesRequestedAt
	next.ChangesRequestedMessage = prev.ChangesRequestedMessage
}

func clearApproval(vp *ValuePeriod) {
	vp.ApprovedBy, vp.ApprovedAt = nil, nil
}

func clearChangesRequested(vp *ValuePeriod) {
	vp.ChangesRequestedBy, vp.ChangesRequestedAt, vp.ChangesRequestedMessage = nil, nil, nil
}

// applySave: status back to DRAFT, except SUBMITTED stays SUBMITTED for
// approvers. Changes-requested fields survive until the next submit.
func applySave(next, prev *ValuePeriod, approver bool) {
	carryAudit(next, prev)
	if prev != nil && prev.Status == StatusSubmitted && approver {
		next.Status = StatusSubmitted
		return
	}
	if prev != nil && prev.Status.IsApproved() {
		clearApproval(next)
	}
	next.Status = StatusDraft
}

// applySubmit: SUBMITTED, or APPROVED when the submitter is an approver.
// The first submission's metadata is kept on re-submission.
func applySubmit(next, prev *ValuePeriod, actor Actor, approver bool, now time.Time) {
	carryAudit(next, prev)
	stampSubmitted(next, actor, now)
	clearChangesRequested(next)

	if approver {
		next.Status = StatusApproved
		stampApproved(next, actor, now)
		return
	}
	next.Status = StatusSubmitted
	clearApproval(next)
}

// applyApprove: APPROVED, keeping the original submission metadata.
func applyApprove(next, prev *ValuePeriod, actor Actor, now time.Time) {
	carryAudit(next, prev)
	stampSubmitted(next, actor, now)
	clearChangesRequested(next)
	next.Status = StatusApproved
	stampApproved(next, actor, now)
}

// applyRequestChanges returns a SUBMITTED row to DRAFT.
func applyRequestChanges(vp *ValuePeriod, actor Actor, message string, now time.Time) error {
	if vp.Status != StatusSubmitted {
		return newError(CodeOnlySubmittedCanBeReturned, "value is %s", vp.Status)
	}
	vp.Status = StatusDraft
	vp.SubmittedBy, vp.SubmittedAt = nil, nil
	clearApproval(vp)

	by, at, msg := actor.UserID, now, message
	vp.ChangesRequestedBy, vp.ChangesRequestedAt, vp.ChangesRequestedMessage = &by, &at, &msg
	return nil
}

// applyLock freezes an APPROVED row.
func applyLock(vp *ValuePeriod) error {
	if vp.Status != StatusApproved {
		return issueError(CodeValidationFailed, "status", "only approved values can be locked")
	}
	vp.Status = StatusLocked
	return nil
}

func stampSubmitted(vp *ValuePeriod, actor Actor, now time.Time) {
	if vp.SubmittedBy != nil {
		return
	}
	by, at := actor.UserID, now
	vp.SubmittedBy, vp.SubmittedAt = &by, &at
}

func stampApproved(vp *ValuePeriod, actor Actor, now time.Time) {
	by, at := actor.UserID, now
	vp.ApprovedBy, vp.ApprovedAt = &by, &at
}
