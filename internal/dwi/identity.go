package dwi

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/me/dwiprep/pkg/model"
)

var (
	subjectSessionRe = regexp.MustCompile(`(sub-[a-zA-Z0-9]+)_(ses-[a-zA-Z0-9]+)`)
	acquisitionRe    = regexp.MustCompile(`_(acq-[a-zA-Z0-9]+)`)
)

// Identity names one cohort unit.
type Identity struct {
	Subject     string // sub-XXX
	Session     string // ses-YYY
	Acquisition string // acq-ZZZ, optional
}

// Token returns sub-XXX_ses-YYY[_acq-ZZZ].
func (id Identity) Token() string {
	t := id.Subject + "_" + id.Session
	if id.Acquisition != "" {
		t += "_" + id.Acquisition
	}
	return t
}

// ParseIdentity extracts the identity from a BIDS file name.
func ParseIdentity(path string) (Identity, error) {
	base := filepath.Base(path)
	m := subjectSessionRe.FindStringSubmatch(base)
	if m == nil {
		return Identity{}, &model.InputConsistencyError{
			Message: fmt.Sprintf("file name %q lacks sub-<label>_ses-<label> tags", base),
		}
	}
	id := Identity{Subject: m[1], Session: m[2]}
	if a := acquisitionRe.FindStringSubmatch(base); a != nil {
		id.Acquisition = a[1]
	}
	return id, nil
}

// ResolveIdentity derives the identity shared by every path. All files must
// name the same subject and session; acquisition labels must agree where
// present.
func ResolveIdentity(paths ...string) (Identity, error) {
	if len(paths) == 0 {
		return Identity{}, &model.InputConsistencyError{Message: "no input files"}
	}
	var (
		id     Identity
		tokens = make(map[string]bool)
		acqs   = make(map[string]bool)
	)
	for i, p := range paths {
		cur, err := ParseIdentity(p)
		if err != nil {
			return Identity{}, err
		}
		if i == 0 {
			id = Identity{Subject: cur.Subject, Session: cur.Session}
		}
		tokens[cur.Subject+"_"+cur.Session] = true
		if cur.Acquisition != "" {
			acqs[cur.Acquisition] = true
			id.Acquisition = cur.Acquisition
		}
	}
	if len(tokens) > 1 || len(acqs) > 1 {
		var all []string
		for t := range tokens {
			all = append(all, t)
		}
		for a := range acqs {
			all = append(all, a)
		}
		sort.Strings(all)
		return Identity{}, &model.InputConsistencyError{
			Message: "inputs resolve to different identities: " + strings.Join(all, ", "),
		}
	}
	return id, nil
}
