package core

import (
	"transitreg/pkg/domain"
)

type (
	EntityKind       = domain.EntityKind
	EntityRef        = domain.EntityRef
	Operator         = domain.Operator
	Stop             = domain.Stop
	Route            = domain.Route
	RouteStopPattern = domain.RouteStopPattern
	Feed             = domain.Feed
	Issue            = domain.Issue
	IssueType        = domain.IssueType
	User             = domain.User
	Changeset        = domain.Changeset
	ChangePayload    = domain.ChangePayload
	ChangesetError   = domain.ChangesetError
	ChangesetErrors  = domain.ChangesetErrors
	Finding          = domain.Finding
	Result           = domain.Result
	Rule             = domain.Rule
	RulesEngine      = domain.RulesEngine
	Transaction      = domain.Transaction
	TransactionView  = domain.TransactionView
	PersistentStore  = domain.PersistentStore
)

// NewRulesEngine proxies to the domain rules engine constructor.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}
