// Package accesscontrol implements §4.9: token-carried capability checks and
// the multi-party Approval object every sensitive operation gates on.
package accesscontrol

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Token is the in-memory capability threaded through every server
// operation. It is never persisted.
type Token struct {
	Username   string
	Reason     string
	SourceIPs  []string
	Expiry     time.Time
	Supervisor bool
}

// Expired reports whether the token itself has lapsed, independent of any
// Approval it presents.
func (t Token) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && now.After(t.Expiry)
}

// AccessMode is one of the three datastore access kinds CheckDataStoreAccess
// arbitrates.
type AccessMode string

const (
	AccessRead  AccessMode = "r"
	AccessWrite AccessMode = "w"
	AccessQuery AccessMode = "q"
)

// Approval is the persisted multi-party authorization record at subject
// ACL/<target>/<requester>/<reason-hash>. Approvers is append-only; the
// requester is never counted among them.
type Approval struct {
	Target            string    `json:"target"`
	Requester         string    `json:"requester"`
	Reason            string    `json:"reason"`
	NotifiedUsers     []string  `json:"notifiedUsers"`
	EmailCCAddresses  []string  `json:"emailCcAddresses"`
	Approvers         []string  `json:"approvers"`
	Expires           time.Time `json:"expires"`
	IsEmergency       bool      `json:"isEmergency"`
}

// hasApprover reports whether username already appears in the approver set,
// keeping Grant idempotent against retried requests.
func (a Approval) hasApprover(username string) bool {
	for _, u := range a.Approvers {
		if u == username {
			return true
		}
	}
	return false
}

// approvalSubject builds the ACL subject a given (target, requester, reason)
// triple resolves to. The reason is hashed rather than embedded verbatim so
// the subject stays a well-formed path segment regardless of what free-text
// justification an operator types.
func approvalSubject(target, requester, reason string) string {
	return fmt.Sprintf("ACL/%s/%s/%s", target, requester, reasonHash(reason))
}

// approvalPrefix is the subject prefix all of one requester's approvals on a
// target share, used to enumerate candidates for CheckClientAccess et al.
// without already knowing the reason that was given.
func approvalPrefix(target, requester string) string {
	return fmt.Sprintf("ACL/%s/%s/", target, requester)
}

const recordPredicate = "record"

// reasonHash deterministically hashes an approval reason into a path-safe
// segment, the same FNV-1a-over-canonical-bytes construction the teacher
// uses for backend-descriptor cache keys.
func reasonHash(reason string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(reason)))
	return fmt.Sprintf("%016x", h.Sum64())
}
