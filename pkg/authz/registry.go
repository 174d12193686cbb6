package authz

const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const (
	ObjectIAMIdentities   = "iam.identities"
	ObjectOpsPlayerNotes  = "ops.player-notes"
	ObjectOpsVisits       = "ops.visits"
	ObjectWritePolicyEval = "writepolicy.evaluate"
)
