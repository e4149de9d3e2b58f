package scheduler

import (
	"sync"

	"github.com/ternarybob/sitescan/internal/models"
)

// credentialVault holds job credentials in memory only. Credentials are
// deposited at submission, read once at dispatch, and deleted the moment
// the job reaches a terminal state. Nothing here ever touches disk.
type credentialVault struct {
	mu    sync.Mutex
	creds map[string]models.Credentials
}

func newCredentialVault() *credentialVault {
	return &credentialVault{creds: make(map[string]models.Credentials)}
}

func (v *credentialVault) Put(jobID string, creds models.Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creds[jobID] = creds
}

func (v *credentialVault) Get(jobID string) (models.Credentials, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	creds, ok := v.creds[jobID]
	return creds, ok
}

func (v *credentialVault) Delete(jobID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.creds, jobID)
}
