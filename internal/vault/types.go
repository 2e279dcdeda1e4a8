package vault

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// Credential is a decrypted record. Secret and Comment are cleartext copies
// owned by the caller, who should Wipe them once done.
type Credential struct {
	ID        int64
	Version   uint64
	Website   string
	Username  string
	Secret    []byte
	Comment   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Credential) Wipe() {
	if c == nil {
		return
	}
	memguard.WipeBytes(c.Secret)
	memguard.WipeBytes(c.Comment)
}

type NewCredential struct {
	Website  string
	Username string
	Secret   []byte
	Comment  []byte
}

// Fields selects what Update changes. Nil fields keep their stored value; a
// non-nil empty Comment clears it.
type Fields struct {
	Website  *string
	Username *string
	Secret   []byte
	Comment  []byte
}

func (f Fields) empty() bool {
	return f.Website == nil && f.Username == nil && f.Secret == nil && f.Comment == nil
}

// RecordError flags one stored record that could not be opened.
type RecordError struct {
	ID  int64
	Err error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.ID, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// ReadAllResult carries every record that decrypted cleanly plus one entry
// per record that failed its integrity check.
type ReadAllResult struct {
	Records []Credential
	Corrupt []RecordError
}

// Wipe clears the secret fields of every returned record.
func (r *ReadAllResult) Wipe() {
	for i := range r.Records {
		r.Records[i].Wipe()
	}
}

type VerifyResult struct {
	ID       int64
	Website  string
	Username string
	Err      error
}

func (r VerifyResult) OK() bool {
	return r.Err == nil
}

type ImportResult struct {
	Imported []int64
	Corrupt  []RecordError
}
