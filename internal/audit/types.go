package audit

import "time"

const (
	ActionStoreInit             = "store.init"
	ActionStoreUnlock           = "store.unlock"
	ActionStoreLock             = "store.lock"
	ActionStoreChangePassphrase = "store.change-passphrase"
	ActionStoreAuthFailure      = "store.auth-failure"
	ActionStoreVerify           = "store.verify"

	ActionCredentialCreate = "credential.create"
	ActionCredentialUpdate = "credential.update"
	ActionCredentialDelete = "credential.delete"

	ActionBackupCreate = "backup.create"
	ActionExport       = "transfer.export"
	ActionImport       = "transfer.import"
)

var AllActionTypes = []string{
	ActionStoreInit,
	ActionStoreUnlock,
	ActionStoreLock,
	ActionStoreChangePassphrase,
	ActionStoreAuthFailure,
	ActionStoreVerify,
	ActionCredentialCreate,
	ActionCredentialUpdate,
	ActionCredentialDelete,
	ActionBackupCreate,
	ActionExport,
	ActionImport,
}

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Event struct {
	Timestamp time.Time
	Action    string
	TargetID  string
	Result    string
	Details   any
}

type Filter struct {
	Action   string
	TargetID string
	Limit    int
}

type RecordedEvent struct {
	ID          string
	Timestamp   time.Time
	Action      string
	TargetID    string
	Result      string
	DetailsJSON string
	PrevHash    string
	EventHash   string
}

type VerifyResult struct {
	Valid      bool
	EventCount int
	ChainTip   string
	Error      string
}
