package async

import (
	"database/sql"
)

// executionScanArgs holds the nullable columns of an execution row.
type executionScanArgs struct {
	Params            sql.NullString
	ParentExecutionID sql.NullString
	ParentRunID       sql.NullString
	CausedBy          sql.NullString
	Result            sql.NullString
	ErrorMsg          sql.NullString
	ErrorCategory     sql.NullString
	CancelReason      sql.NullString
	LockedBy          sql.NullString
	LeaseExpiresAt    sql.NullTime
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
}

// executionScanTargets returns pointers in the order of
// standardExecutionSelectColumns.
func executionScanTargets(e *Execution, args *executionScanArgs) []interface{} {
	return []interface{}{
		&e.ID,
		&e.Workflow,
		&e.WorkflowVersion,
		&args.Params,
		&e.Lane,
		&e.Priority,
		&e.Trigger,
		&e.LogicalKey,
		&e.IdempotencyKey,
		&e.Status,
		&args.ParentExecutionID,
		&args.ParentRunID,
		&e.LineageID,
		&args.CausedBy,
		&e.RetryCount,
		&e.MaxRetries,
		&args.Result,
		&args.ErrorMsg,
		&e.ErrorRetryable,
		&args.ErrorCategory,
		&args.CancelReason,
		&args.LockedBy,
		&e.AvailableAt,
		&args.LeaseExpiresAt,
		&e.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&e.UpdatedAt,
	}
}

// processExecutionScanArgs copies the nullable columns onto e.
func processExecutionScanArgs(e *Execution, args *executionScanArgs) {
	if args.Params.Valid {
		e.Params = []byte(args.Params.String)
	}
	e.ParentExecutionID = args.ParentExecutionID.String
	e.ParentRunID = args.ParentRunID.String
	e.CausedBy = args.CausedBy.String
	if args.Result.Valid {
		e.Result = []byte(args.Result.String)
	}
	e.Error = args.ErrorMsg.String
	e.ErrorCategory = args.ErrorCategory.String
	e.CancelReason = args.CancelReason.String
	e.LockedBy = args.LockedBy.String
	if args.LeaseExpiresAt.Valid {
		t := args.LeaseExpiresAt.Time
		e.LeaseExpiresAt = &t
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		e.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		e.CompletedAt = &t
	}
}

// scanExecution scans one row through scan (Row.Scan or Rows.Scan).
func scanExecution(scan func(dest ...interface{}) error) (*Execution, error) {
	var e Execution
	args := &executionScanArgs{}
	if err := scan(executionScanTargets(&e, args)...); err != nil {
		return nil, err
	}
	processExecutionScanArgs(&e, args)
	return &e, nil
}

// standardExecutionSelectColumns is the column list every execution SELECT uses
const standardExecutionSelectColumns = `id, workflow, workflow_version, params,
		lane, priority, trigger_source, logical_key, idempotency_key, status,
		parent_execution_id, parent_run_id, lineage_id, caused_by,
		retry_count, max_retries, result, error, error_retryable, error_category,
		cancel_reason, locked_by, available_at, lease_expires_at,
		created_at, started_at, completed_at, updated_at`
