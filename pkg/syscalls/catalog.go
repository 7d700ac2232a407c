package syscalls

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Resource types guarded by syscalls.
const (
	ResourceFile   = "file"
	ResourceNet    = "net"
	ResourceTime   = "time"
	ResourceDB     = "db"
	ResourceAudit  = "audit"
	ResourceProc   = "proc"
	ResourceCrypto = "crypto"
)

// Spec is the capability a syscall requires.
type Spec struct {
	ResourceType string
	Right        capability.Right
	// Kernel calls are answered on the control path and never reach the
	// host shell.
	Kernel bool
}

var catalog = map[string]Spec{
	"sys.fs.read":   {ResourceType: ResourceFile, Right: capability.RightRead},
	"sys.fs.write":  {ResourceType: ResourceFile, Right: capability.RightWrite},
	"sys.fs.delete": {ResourceType: ResourceFile, Right: capability.RightDelete},
	"sys.fs.list":   {ResourceType: ResourceFile, Right: capability.RightList},

	"sys.net.fetch":          {ResourceType: ResourceNet, Right: capability.RightRead},
	"sys.net.socket.open":    {ResourceType: ResourceNet, Right: capability.RightCreate},
	"sys.net.socket.send":    {ResourceType: ResourceNet, Right: capability.RightWrite},
	"sys.net.socket.receive": {ResourceType: ResourceNet, Right: capability.RightRead},
	"sys.net.socket.close":   {ResourceType: ResourceNet, Right: capability.RightDelete},

	"sys.time.now": {ResourceType: ResourceTime, Right: capability.RightRead, Kernel: true},

	"sys.db.read":     {ResourceType: ResourceDB, Right: capability.RightRead},
	"sys.db.write":    {ResourceType: ResourceDB, Right: capability.RightWrite},
	"sys.db.query":    {ResourceType: ResourceDB, Right: capability.RightRead},
	"sys.db.transact": {ResourceType: ResourceDB, Right: capability.RightWrite},

	"sys.audit.log": {ResourceType: ResourceAudit, Right: capability.RightWrite, Kernel: true},

	"sys.proc.spawn": {ResourceType: ResourceProc, Right: capability.RightCreate},
	"sys.proc.kill":  {ResourceType: ResourceProc, Right: capability.RightDelete},

	"sys.crypto.random": {ResourceType: ResourceCrypto, Right: capability.RightExecute, Kernel: true},
	"sys.crypto.hash":   {ResourceType: ResourceCrypto, Right: capability.RightExecute, Kernel: true},
	"sys.crypto.sign":   {ResourceType: ResourceCrypto, Right: capability.RightExecute},
	"sys.crypto.verify": {ResourceType: ResourceCrypto, Right: capability.RightExecute},
}

// Lookup returns the spec of name or an UnknownSyscall error with the
// closest known name as a suggestion.
func Lookup(name string) (Spec, error) {
	if s, ok := catalog[name]; ok {
		return s, nil
	}
	return Spec{}, &contracts.UnknownSyscall{Name: name, Suggestion: closest(name)}
}

// Names lists the catalog in sorted order.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for n := range catalog {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func closest(name string) string {
	best, bestDist := "", -1
	for _, n := range Names() {
		d := levenshtein.ComputeDistance(name, n)
		if bestDist < 0 || d < bestDist {
			best, bestDist = n, d
		}
	}
	if !strings.HasPrefix(name, "sys.") || bestDist > len(name)/2 {
		return ""
	}
	return best
}
