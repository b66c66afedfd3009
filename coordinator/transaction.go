package coordinator

import (
	"fmt"

	"github.com/INLOpen/nexussync/endpoint"
)

// BranchState tracks one participant through a transaction. States only
// move forward.
type BranchState int

const (
	StateNew BranchState = iota
	StateStarted
	StateSubmitted
	StateEnded
	StatePrepared
	StateCommitted
	StateRolledBack
	StateFailed
)

func (s BranchState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarted:
		return "STARTED"
	case StateSubmitted:
		return "SUBMITTED"
	case StateEnded:
		return "ENDED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("BranchState(%d)", int(s))
	}
}

// Branch is one participant's share of a transaction.
type Branch struct {
	Participant string
	BranchID    endpoint.BranchID
	State       BranchState
	Vote        endpoint.Vote
	Err         error

	endpoint   endpoint.TransactionalWritable
	terminated bool
}

// Transaction is the record of one Apply call. It is never persisted.
type Transaction struct {
	ID       string
	Branches []*Branch
	Outcome  string
}

func newTransaction(id string, participants []Participant) *Transaction {
	tx := &Transaction{ID: id, Branches: make([]*Branch, len(participants))}
	for i, p := range participants {
		tx.Branches[i] = &Branch{Participant: p.ID, State: StateNew, endpoint: p.Endpoint}
	}
	return tx
}

// Branch returns the branch of the given participant, or nil.
func (t *Transaction) Branch(participant string) *Branch {
	for _, b := range t.Branches {
		if b.Participant == participant {
			return b
		}
	}
	return nil
}

func (t *Transaction) participantsIn(state BranchState) []string {
	var ids []string
	for _, b := range t.Branches {
		if b.State == state {
			ids = append(ids, b.Participant)
		}
	}
	return ids
}
