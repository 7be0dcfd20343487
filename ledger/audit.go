/*
audit.go - Fire-and-forget audit emission

PURPOSE:
  Small helpers around the AuditSink contract: a sink failure is logged and
  dropped, never returned. Balance-affecting operations must not fail
  because the audit trail hiccuped.

SEE ALSO:
  - store.go: AuditSink interface and event shapes
*/
package ledger

import (
	"context"

	"github.com/sirupsen/logrus"
)

// emitPointAudit sends a point event to the sink, swallowing failures.
func emitPointAudit(ctx context.Context, sink AuditSink, log *logrus.Logger, a PointAudit) {
	if sink == nil {
		return
	}
	if err := sink.LogPointTransaction(ctx, a); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"member_id": a.MemberID,
			"kind":      a.Kind,
			"amount":    a.Amount,
		}).Error("audit sink rejected point transaction")
	}
}

// emitPrivilegeAudit sends a privilege event to the sink, swallowing failures.
func emitPrivilegeAudit(ctx context.Context, sink AuditSink, log *logrus.Logger, a PrivilegeAudit) {
	if sink == nil {
		return
	}
	if err := sink.LogPrivilegeTransaction(ctx, a); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"member_id":    a.MemberID,
			"privilege_id": a.PrivilegeID,
		}).Error("audit sink rejected privilege transaction")
	}
}

// EmitPrivilegeAudit is the exported form used by the exchange coordinator.
func EmitPrivilegeAudit(ctx context.Context, sink AuditSink, log *logrus.Logger, a PrivilegeAudit) {
	emitPrivilegeAudit(ctx, sink, log, a)
}

// NopAuditSink discards every event. Useful default for tests and tools.
type NopAuditSink struct{}

func (NopAuditSink) LogPointTransaction(context.Context, PointAudit) error         { return nil }
func (NopAuditSink) LogPrivilegeTransaction(context.Context, PrivilegeAudit) error { return nil }
