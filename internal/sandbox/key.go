package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/skeinhq/skein/pkg/schema"
)

// PoolKey identifies a pool of interchangeable sandboxes: same run, same
// runtime, same resolved dependency set. Dependency order does not matter.
func PoolKey(runID string, spec schema.RuntimeSpec, deps []schema.PackageDep) string {
	names := make([]string, 0, len(deps))
	for _, d := range deps {
		names = append(names, d.Name+"="+d.Version)
	}
	sort.Strings(names)

	h := sha256.Sum256([]byte(strings.Join(names, ",")))
	return fmt.Sprintf("%s/%s/%s", runID, spec.String(), hex.EncodeToString(h[:8]))
}
