package reconciliation

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/mbd888/guardrail/internal/amount"
	"github.com/mbd888/guardrail/internal/pagination"
)

var ErrExceptionNotFound = errors.New("drift exception not found")

// Note values written by the engine itself.
const (
	NoteOpsMatched     = "ops_matched_reconcile"
	NoteSweepReconcile = "sweep_reconcile"
	NoteSweepExpired   = "sweep_expired"
	NoteSignalReceived = "cost_signal_received"
	NoteActualUnknown  = "actual_unknown"
)

// Exception records how a reservation's actual cost compared with its hold.
// Amounts are decimal strings; ActualDeltaAmount and DriftAmount are nil
// while the actual cost is unknown.
type Exception struct {
	DecisionID             string     `json:"decisionId"`
	TenantID               string     `json:"tenantId"`
	ScopeKey               string     `json:"scopeKey"`
	ExpectedReservedAmount string     `json:"expectedReservedAmount"`
	ActualDeltaAmount      *string    `json:"actualDeltaAmount"`
	DriftAmount            *string    `json:"driftAmount"`
	ToleranceAmount        string     `json:"toleranceAmount"`
	Status                 Status     `json:"status"`
	ReconciledAt           *time.Time `json:"reconciledAt,omitempty"`
	Notes                  string     `json:"notes,omitempty"`
	ResolvedBy             string     `json:"resolvedBy,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// Actual returns the recorded actual amount, or nil.
func (e *Exception) Actual() *big.Int {
	if e.ActualDeltaAmount == nil {
		return nil
	}
	v, ok := amount.ParseSigned(*e.ActualDeltaAmount)
	if !ok {
		return nil
	}
	return v
}

// OpenSignal reports whether e holds an observed cost that no reconcile
// has consumed yet.
func (e *Exception) OpenSignal() bool {
	return e.Status == StatusPending && e.ReconciledAt == nil
}

// Apply records a computed outcome.
func (e *Exception) Apply(o Outcome, actual *big.Int, notes string, at time.Time) {
	a := amount.Format(actual)
	d := amount.Format(o.Drift)
	e.ActualDeltaAmount = &a
	e.DriftAmount = &d
	e.ToleranceAmount = amount.Format(o.Tolerance)
	e.Status = o.Status
	e.Notes = notes
	t := at.UTC()
	e.ReconciledAt = &t
	e.UpdatedAt = t
}

// Filter narrows a List call. TenantID is required.
type Filter struct {
	TenantID string
	Statuses []Status
	Limit    int
	Cursor   *pagination.Cursor
}

// Store persists exceptions keyed by decision ID.
type Store interface {
	// Upsert inserts or replaces an exception; CreatedAt is kept from the
	// first write.
	Upsert(ctx context.Context, e *Exception) error
	// RecordSignal writes e only while the stored exception is absent or
	// still an open signal (pending and never reconciled). It reports false
	// when a reconcile or sweep has already recorded an outcome.
	RecordSignal(ctx context.Context, e *Exception) (bool, error)
	Get(ctx context.Context, decisionID string) (*Exception, error)
	// List returns exceptions newest first, at most Limit+1 rows so callers
	// can detect another page.
	List(ctx context.Context, f Filter) ([]*Exception, error)
}
